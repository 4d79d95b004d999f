package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/jesperrix/rixtribute/internal/resolve"
	"github.com/jesperrix/rixtribute/internal/tags"
)

const protocolAll = "-1"

// Ingress is a desired inbound rule, before it is scoped to a source address.
type Ingress struct {
	Protocol string // tcp, udp or icmp
	Port     int32
}

func (i Ingress) String() string {
	return fmt.Sprintf("%s:%d", i.Protocol, i.Port)
}

// rule is a fully specified inbound rule.
type rule struct {
	Protocol string
	Port     int32
	CIDR     string
}

var (
	ErrSecurityGroupLookup            = fmt.Errorf("failed to look up security group")
	ErrSecurityGroupAmbiguous         = fmt.Errorf("more than one security group matches name")
	ErrSecurityGroupCreate            = fmt.Errorf("failed to create security group")
	ErrSecurityGroupInboundRuleCreate = fmt.Errorf("failed to add security group rule")
)

// SecurityGroup is a resolved security group and its current inbound rules.
type SecurityGroup struct {
	ID          string
	Name        string
	Permissions []types.IpPermission
}

// ResolveSecurityGroup resolves (or creates) the security group 'name', then
// adds every rule in 'ingress' not already granted to the caller's public IP.
// Existing rules are never revoked, even stale ones, as other running
// instances may share the group.
//
// It returns the security group ID.
func (c *Client) ResolveSecurityGroup(
	ctx context.Context,
	name string,
	attribution tags.Attribution,
	ingress []Ingress,
) (string, error) {
	sg, _, err := resolve.OrCreate(ctx, resolve.KindSecurityGroup, name,
		c.lookupSecurityGroup,
		func(ctx context.Context, name string) (SecurityGroup, error) {
			return c.createSecurityGroup(ctx, name, attribution.WithName(name))
		},
	)
	if err != nil {
		return "", err
	}

	addr, err := c.publicAddr(ctx)
	if err != nil {
		return "", err
	}
	cidr, err := hostCIDR(addr)
	if err != nil {
		return "", err
	}

	if err := c.reconcileIngress(ctx, sg, attribution.WithName(name), desiredRules(ingress, cidr)); err != nil {
		return "", err
	}
	return sg.ID, nil
}

func (c *Client) lookupSecurityGroup(ctx context.Context, name string) (SecurityGroup, bool, error) {
	out, err := c.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{{
			Name:   aws.String("group-name"),
			Values: []string{name},
		}},
	})
	if err != nil {
		return SecurityGroup{}, false, fmt.Errorf("%w: %w", ErrSecurityGroupLookup, err)
	}
	switch len(out.SecurityGroups) {
	case 0:
		return SecurityGroup{}, false, nil
	case 1:
		sg := out.SecurityGroups[0]
		return SecurityGroup{
			ID:          aws.ToString(sg.GroupId),
			Name:        aws.ToString(sg.GroupName),
			Permissions: sg.IpPermissions,
		}, true, nil
	default:
		return SecurityGroup{}, false, fmt.Errorf("%w: %q (%d groups)", ErrSecurityGroupAmbiguous, name, len(out.SecurityGroups))
	}
}

func (c *Client) createSecurityGroup(ctx context.Context, name string, attribution tags.Attribution) (SecurityGroup, error) {
	out, err := c.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String("rixtribute managed security group for instance configuration " + name),
		TagSpecifications: tagSpecification(attribution, types.ResourceTypeSecurityGroup),
	})
	if err != nil {
		return SecurityGroup{}, fmt.Errorf("%w: %w", ErrSecurityGroupCreate, err)
	}
	clog.FromContext(ctx).Info("created security group", "id", aws.ToString(out.GroupId), "name", name)
	return SecurityGroup{
		ID:   aws.ToString(out.GroupId),
		Name: name,
	}, nil
}

func desiredRules(ingress []Ingress, cidr string) []rule {
	rules := make([]rule, 0, len(ingress))
	for _, in := range ingress {
		rules = append(rules, rule{
			Protocol: in.Protocol,
			Port:     in.Port,
			CIDR:     cidr,
		})
	}
	return rules
}

// missingRules returns the rules in 'desired' which no permission in 'existing'
// already grants. Each desired rule is checked on its own.
func missingRules(existing []types.IpPermission, desired []rule) []rule {
	var missing []rule
	for _, want := range desired {
		if !granted(existing, want) {
			missing = append(missing, want)
		}
	}
	return missing
}

func granted(existing []types.IpPermission, want rule) bool {
	for _, perm := range existing {
		if permissionGrants(perm, want) {
			return true
		}
	}
	return false
}

func permissionGrants(perm types.IpPermission, want rule) bool {
	protocol := aws.ToString(perm.IpProtocol)
	if protocol != protocolAll {
		if protocol != want.Protocol {
			return false
		}
		from, to := aws.ToInt32(perm.FromPort), aws.ToInt32(perm.ToPort)
		if want.Port < from || want.Port > to {
			return false
		}
	}
	for _, r := range perm.IpRanges {
		if cidrEqual(aws.ToString(r.CidrIp), want.CIDR) {
			return true
		}
	}
	for _, r := range perm.Ipv6Ranges {
		if cidrEqual(aws.ToString(r.CidrIpv6), want.CIDR) {
			return true
		}
	}
	return false
}

func (c *Client) reconcileIngress(ctx context.Context, sg SecurityGroup, attribution tags.Attribution, desired []rule) error {
	log := clog.FromContext(ctx).With("security_group", sg.ID)
	missing := missingRules(sg.Permissions, desired)
	if len(missing) == 0 {
		log.Debug("all ingress rules already present")
		return nil
	}
	for _, r := range missing {
		if err := c.authorizeIngress(ctx, sg.ID, r, attribution); err != nil {
			return err
		}
		log.Info("added ingress rule", "protocol", r.Protocol, "port", r.Port, "source", r.CIDR)
	}
	return nil
}

func (c *Client) authorizeIngress(ctx context.Context, sgID string, r rule, attribution tags.Attribution) error {
	perm := types.IpPermission{
		IpProtocol: aws.String(r.Protocol),
		FromPort:   aws.Int32(r.Port),
		ToPort:     aws.Int32(r.Port),
	}
	if isIPv6CIDR(r.CIDR) {
		perm.Ipv6Ranges = []types.Ipv6Range{{CidrIpv6: aws.String(r.CIDR)}}
	} else {
		perm.IpRanges = []types.IpRange{{CidrIp: aws.String(r.CIDR)}}
	}
	_, err := c.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:           aws.String(sgID),
		IpPermissions:     []types.IpPermission{perm},
		TagSpecifications: tagSpecification(attribution, types.ResourceTypeSecurityGroupRule),
	})
	if err != nil {
		return fmt.Errorf("%w: %s %d: %w", ErrSecurityGroupInboundRuleCreate, r.Protocol, r.Port, err)
	}
	return nil
}

package ec2

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jesperrix/rixtribute/internal/tags"
)

// tagSpecification produces the tag specification attaching the attribution
// tags to a resource of type 'rt' at creation time.
//
// Several resource types may be listed, for calls creating more than one
// resource (ex: an instance and its volumes).
func tagSpecification(a tags.Attribution, rts ...types.ResourceType) []types.TagSpecification {
	specs := make([]types.TagSpecification, 0, len(rts))
	for _, rt := range rts {
		specs = append(specs, types.TagSpecification{
			ResourceType: rt,
			Tags:         toTags(a),
		})
	}
	return specs
}

func toTags(a tags.Attribution) []types.Tag {
	pairs := a.Pairs()
	out := make([]types.Tag, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, types.Tag{
			Key:   aws.String(p.Key),
			Value: aws.String(p.Value),
		})
	}
	return out
}

func fromTags(in []types.Tag) map[string]string {
	out := make(map[string]string, len(in))
	for _, t := range in {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// tagFilters converts a tag filter map into 'tag:<key>' filters, sorted by key
// so requests are deterministic.
func tagFilters(filter map[string]string) []types.Filter {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Filter, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{filter[k]},
		})
	}
	return out
}

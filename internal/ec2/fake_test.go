package ec2

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
)

// fakeAPI records every call by operation name and answers through the
// optional per-operation hooks. Calling an operation without a hook panics
// through the nil embedded API.
type fakeAPI struct {
	API

	mu    sync.Mutex
	calls map[string]int

	authorizeSecurityGroupIngress func(*ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	cancelSpotInstanceRequests    func(*ec2.CancelSpotInstanceRequestsInput) (*ec2.CancelSpotInstanceRequestsOutput, error)
	createSecurityGroup           func(*ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error)
	createTags                    func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error)
	describeImages                func(*ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)
	describeInstances             func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	describeInstanceStatus        func(*ec2.DescribeInstanceStatusInput) (*ec2.DescribeInstanceStatusOutput, error)
	describeKeyPairs              func(*ec2.DescribeKeyPairsInput) (*ec2.DescribeKeyPairsOutput, error)
	describeSecurityGroups        func(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error)
	describeSpotInstanceRequests  func(*ec2.DescribeSpotInstanceRequestsInput) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	importKeyPair                 func(*ec2.ImportKeyPairInput) (*ec2.ImportKeyPairOutput, error)
	requestSpotInstances          func(*ec2.RequestSpotInstancesInput) (*ec2.RequestSpotInstancesOutput, error)
	runInstances                  func(*ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error)
	stopInstances                 func(*ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error)
	terminateInstances            func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
}

func (f *fakeAPI) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

func (f *fakeAPI) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.record("AuthorizeSecurityGroupIngress")
	return f.authorizeSecurityGroupIngress(in)
}

func (f *fakeAPI) CancelSpotInstanceRequests(_ context.Context, in *ec2.CancelSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	f.record("CancelSpotInstanceRequests")
	return f.cancelSpotInstanceRequests(in)
}

func (f *fakeAPI) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.record("CreateSecurityGroup")
	return f.createSecurityGroup(in)
}

func (f *fakeAPI) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.record("CreateTags")
	return f.createTags(in)
}

func (f *fakeAPI) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.record("DescribeImages")
	return f.describeImages(in)
}

func (f *fakeAPI) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.record("DescribeInstances")
	return f.describeInstances(in)
}

func (f *fakeAPI) DescribeInstanceStatus(_ context.Context, in *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	f.record("DescribeInstanceStatus")
	return f.describeInstanceStatus(in)
}

func (f *fakeAPI) DescribeKeyPairs(_ context.Context, in *ec2.DescribeKeyPairsInput, _ ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	f.record("DescribeKeyPairs")
	return f.describeKeyPairs(in)
}

func (f *fakeAPI) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.record("DescribeSecurityGroups")
	return f.describeSecurityGroups(in)
}

func (f *fakeAPI) DescribeSpotInstanceRequests(_ context.Context, in *ec2.DescribeSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	f.record("DescribeSpotInstanceRequests")
	return f.describeSpotInstanceRequests(in)
}

func (f *fakeAPI) ImportKeyPair(_ context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.record("ImportKeyPair")
	return f.importKeyPair(in)
}

func (f *fakeAPI) RequestSpotInstances(_ context.Context, in *ec2.RequestSpotInstancesInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	f.record("RequestSpotInstances")
	return f.requestSpotInstances(in)
}

func (f *fakeAPI) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.record("RunInstances")
	return f.runInstances(in)
}

func (f *fakeAPI) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.record("StopInstances")
	return f.stopInstances(in)
}

func (f *fakeAPI) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.record("TerminateInstances")
	return f.terminateInstances(in)
}

// memKeyStore is an in-memory KeyStore.
type memKeyStore struct {
	name string
	key  []byte
	adds int
}

func (s *memKeyStore) SSHKey() (string, []byte, bool) {
	return s.name, s.key, s.name != ""
}

func (s *memKeyStore) AddSSHKey(name string, privateKey []byte) error {
	s.name, s.key = name, privateKey
	s.adds++
	return nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// AWSConfig carries the launch parameters for EC2 instances.
type AWSConfig struct {
	Region          string `yaml:"region"`
	ImageID         string `yaml:"imageId"`
	InstanceType    string `yaml:"instanceType"`
	KeyName         string `yaml:"keyName"`
	SecurityGroupID string `yaml:"securityGroupId"`
	SubnetID        string `yaml:"subnetId"`
}

// AWS implements Provider on top of EC2.
type AWS struct {
	cfg AWSConfig
	ec2 *ec2.Client
}

// NewAWS builds an AWS provider using the default credential chain.
func NewAWS(ctx context.Context, cfg AWSConfig) (*AWS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWS{cfg: cfg, ec2: ec2.NewFromConfig(awsCfg)}, nil
}

func (a *AWS) Kind() Kind { return KindAWS }

// CreateInstance launches one EC2 instance tagged with cfg.Name. The
// returned secret is empty: EC2 authenticates with the registered key pair.
func (a *AWS) CreateInstance(ctx context.Context, cfg InstanceConfig) (*Instance, string, error) {
	instanceType := cfg.Type
	if instanceType == "" {
		instanceType = a.cfg.InstanceType
	}
	imageID := cfg.Image
	if imageID == "" {
		imageID = a.cfg.ImageID
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(a.cfg.KeyName),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(cfg.Name),
			}},
		}},
	}
	if a.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{a.cfg.SecurityGroupID}
	}
	if a.cfg.SubnetID != "" {
		input.SubnetId = aws.String(a.cfg.SubnetID)
	}

	out, err := a.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, "", a.classify("run instances", instanceType, err)
	}
	if len(out.Instances) == 0 {
		return nil, "", NewTransient("run instances", errors.New("no instance in response"))
	}

	return a.toInstance(&out.Instances[0]), "", nil
}

// GetInstance describes one instance by its EC2 instance id.
func (a *AWS) GetInstance(ctx context.Context, id string) (*Instance, error) {
	out, err := a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, a.classify("describe instances", "", err)
	}
	for _, res := range out.Reservations {
		for i := range res.Instances {
			return a.toInstance(&res.Instances[i]), nil
		}
	}
	return nil, ErrNotFound
}

// GetInstanceByName finds a non-terminated instance by its Name tag. Used
// to detect a creation that succeeded with only the acknowledgment lost.
func (a *AWS) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	out, err := a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, a.classify("describe instances", "", err)
	}
	for _, res := range out.Reservations {
		for i := range res.Instances {
			return a.toInstance(&res.Instances[i]), nil
		}
	}
	return nil, ErrNotFound
}

// DeleteInstance terminates the instance.
func (a *AWS) DeleteInstance(ctx context.Context, id string) error {
	_, err := a.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return a.classify("terminate instances", "", err)
	}
	return nil
}

// RunCommand is unsupported: EC2 instances are reached over SSH.
func (a *AWS) RunCommand(ctx context.Context, id, command string) (string, int, error) {
	return "", 0, ErrNoCommandChannel
}

func (a *AWS) toInstance(in *ec2types.Instance) *Instance {
	inst := &Instance{
		Provider: KindAWS,
		ID:       aws.ToString(in.InstanceId),
		Addr:     aws.ToString(in.PublicIpAddress),
		Type:     string(in.InstanceType),
		Region:   a.cfg.Region,
		Status:   awsStatus(in.State),
	}
	if in.LaunchTime != nil {
		inst.CreatedAt = *in.LaunchTime
	} else {
		inst.CreatedAt = time.Now()
	}
	for _, tag := range in.Tags {
		if aws.ToString(tag.Key) == "Name" {
			inst.Name = aws.ToString(tag.Value)
		}
	}
	return inst
}

func awsStatus(state *ec2types.InstanceState) string {
	if state == nil {
		return StatusCreating
	}
	switch state.Name {
	case ec2types.InstanceStateNamePending:
		return StatusStarting
	case ec2types.InstanceStateNameRunning:
		return StatusRunning
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameStopped, ec2types.InstanceStateNameShuttingDown:
		return StatusStopped
	case ec2types.InstanceStateNameTerminated:
		return StatusError
	}
	return StatusCreating
}

// classify maps EC2 API failures onto the adapter error taxonomy.
// OptInRequired and PendingVerification mean the account lacks a payment
// method or verification for the requested size class.
func (a *AWS) classify(op, instanceType string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "OptInRequired", "PendingVerification":
			return NewBilling(op, instanceType, err)
		case "RequestLimitExceeded", "InsufficientInstanceCapacity", "Unavailable", "InternalError", "ServiceUnavailable":
			return NewTransient(op, err)
		case "InvalidInstanceID.NotFound":
			return ErrNotFound
		default:
			return NewTerminal(op, err)
		}
	}
	if looksLikeTimeout(err) {
		return NewTransient(op, err)
	}
	return NewTransient(op, err)
}

package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
)

// STSAPI is the slice of the STS client the broker needs.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Broker performs the credential chaining for deliveries. Every delivery
// gets fresh credentials under a random session identifier; nothing is
// cached across tenants or configurations.
type Broker struct {
	sts            STSAPI
	centralRoleARN string
	endpointURL    string
	logger         *slog.Logger

	// newSTS builds the second-hop client from the central credentials.
	// Replaced in tests.
	newSTS func(aws.Config) STSAPI
}

// NewBroker creates a credential broker for the central distribution role.
func NewBroker(stsClient STSAPI, centralRoleARN, endpointURL string, logger *slog.Logger) *Broker {
	return &Broker{
		sts:            stsClient,
		centralRoleARN: centralRoleARN,
		endpointURL:    endpointURL,
		logger:         logger,
		newSTS: func(cfg aws.Config) STSAPI {
			return sts.NewFromConfig(cfg)
		},
	}
}

// CentralCredentials performs the single central hop. Bucket delivery runs
// on these directly: the customer bucket policy grants the central role
// write access out-of-band.
func (b *Broker) CentralCredentials(ctx context.Context) (aws.Credentials, error) {
	sessionName := "CentralLogDistribution-" + uuid.NewString()
	resp, err := b.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(b.centralRoleARN),
		RoleSessionName: aws.String(sessionName),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to assume central log distribution role: %w", err)
	}

	b.logger.Debug("assumed central role", "session", sessionName)
	return credentialsFrom(resp), nil
}

// CustomerCredentials performs the two-hop chain: central role first, then
// the customer's log distribution role using the central credentials, with
// the worker's own account ID as the external identifier.
func (b *Broker) CustomerCredentials(ctx context.Context, customerRoleARN, region string) (aws.Credentials, error) {
	central, err := b.CentralCredentials(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}

	identity, err := b.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to get caller identity: %w", err)
	}

	centralCfg, err := assumedConfig(ctx, region, central, b.endpointURL)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to build central STS config: %w", err)
	}
	centralSTS := b.newSTS(centralCfg)

	b.logger.Debug("assuming customer role", "role_arn", customerRoleARN)
	resp, err := centralSTS.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(customerRoleARN),
		RoleSessionName: aws.String("StreamLogDelivery-" + uuid.NewString()),
		ExternalId:      identity.Account,
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to assume customer role %s: %w", customerRoleARN, err)
	}

	return credentialsFrom(resp), nil
}

func credentialsFrom(resp *sts.AssumeRoleOutput) aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     *resp.Credentials.AccessKeyId,
		SecretAccessKey: *resp.Credentials.SecretAccessKey,
		SessionToken:    *resp.Credentials.SessionToken,
	}
}

package delivery

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// assumedConfig builds an AWS config for a client that must run under
// assumed-role credentials in a specific region. The endpoint override keeps
// the delivery path testable against LocalStack; it is empty for real AWS.
func assumedConfig(ctx context.Context, region string, creds aws.Credentials, endpointURL string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return creds, nil
		})),
	}

	if endpointURL != "" {
		//nolint:staticcheck // SA1019: the deprecated resolver is the one mechanism that covers every service client uniformly
		opts = append(opts, config.WithEndpointResolverWithOptions(
			//nolint:staticcheck
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck
				return aws.Endpoint{
					URL:               endpointURL,
					HostnameImmutable: true,
				}, nil
			}),
		))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

package backends

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

// foreignCredentials is a Credentials type the backends do not know how to resolve.
type foreignCredentials struct {
	credentials.Default
}

func TestAWSCredentialsProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("default uses the SDK chain", func(t *testing.T) {
		p, err := awsCredentialsProvider(credentials.Default{})
		require.NoError(t, err)
		assert.Nil(t, p)

		p, err = awsCredentialsProvider(nil)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("exported", func(t *testing.T) {
		p, err := awsCredentialsProvider(credentials.NewExported("id", "secret"))
		require.NoError(t, err)
		v, err := p.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "id", v.AccessKeyID)
		assert.Equal(t, "secret", v.SecretAccessKey)
	})

	t.Run("specific provider is used unchanged", func(t *testing.T) {
		provider := awscreds.NewStaticCredentialsProvider("pid", "psecret", "")
		p, err := awsCredentialsProvider(credentials.SpecificProvider{Provider: provider})
		require.NoError(t, err)
		assert.Equal(t, provider, p)
	})

	t.Run("nil provider", func(t *testing.T) {
		_, err := awsCredentialsProvider(credentials.SpecificProvider{})
		require.ErrorIs(t, err, credentials.ErrUnsupportedCredentials)
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, err := awsCredentialsProvider(foreignCredentials{})
		require.ErrorIs(t, err, credentials.ErrUnsupportedCredentials)
	})
}

func TestMinioCredentials(t *testing.T) {
	t.Run("exported", func(t *testing.T) {
		c, err := minioCredentials(credentials.NewExported("id", "secret"))
		require.NoError(t, err)
		v, err := c.Get()
		require.NoError(t, err)
		assert.Equal(t, "id", v.AccessKeyID)
		assert.Equal(t, "secret", v.SecretAccessKey)
	})

	t.Run("specific provider is bridged", func(t *testing.T) {
		provider := awscreds.NewStaticCredentialsProvider("pid", "psecret", "ptoken")
		c, err := minioCredentials(credentials.SpecificProvider{Provider: provider})
		require.NoError(t, err)
		v, err := c.Get()
		require.NoError(t, err)
		assert.Equal(t, "pid", v.AccessKeyID)
		assert.Equal(t, "psecret", v.SecretAccessKey)
		assert.Equal(t, "ptoken", v.SessionToken)
	})

	t.Run("default", func(t *testing.T) {
		c, err := minioCredentials(nil)
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, err := minioCredentials(foreignCredentials{})
		require.ErrorIs(t, err, credentials.ErrUnsupportedCredentials)
	})
}

func TestAWSProviderExpiry(t *testing.T) {
	p := &awsProvider{provider: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "id", SecretAccessKey: "secret"}, nil
	})}
	assert.True(t, p.IsExpired(), "nothing retrieved yet")

	_, err := p.Retrieve()
	require.NoError(t, err)
	assert.False(t, p.IsExpired())
}

func TestEndpointHelpers(t *testing.T) {
	assert.Equal(t, "https://oss-cn-hangzhou.aliyuncs.com", endpointURL("oss-cn-hangzhou.aliyuncs.com", false))
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", true))
	assert.Equal(t, "http://localhost:9000", endpointURL("http://localhost:9000", false))

	host, secure := endpointHost("https://oss-cn-hangzhou.aliyuncs.com/")
	assert.Equal(t, "oss-cn-hangzhou.aliyuncs.com", host)
	assert.True(t, secure)

	host, secure = endpointHost("http://localhost:9000")
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)
}

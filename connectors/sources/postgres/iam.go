package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// RDS accepts a token for 15 minutes; reuse stops well before that.
	iamTokenLifetime = 15 * time.Minute
	iamTokenReuse    = 10 * time.Minute

	defaultRoleSessionName = "walsink-rds-iam"
)

// IAMSettings selects how RDS IAM tokens are signed.
type IAMSettings struct {
	Region          string
	Profile         string
	RoleARN         string
	RoleSessionName string
	RoleExternalID  string
	Endpoint        string
}

// ParseIAMSettings reads the aws_* source options. ok is false when IAM auth
// is not enabled. The region falls back to the one embedded in an RDS host name.
func ParseIAMSettings(options map[string]string, host string) (settings IAMSettings, ok bool, err error) {
	if !parseBool(options[OptAWSRDSIAM], false) {
		return IAMSettings{}, false, nil
	}
	opt := func(key string) string { return strings.TrimSpace(options[key]) }
	settings = IAMSettings{
		Region:          opt(OptAWSRegion),
		Profile:         opt(OptAWSProfile),
		RoleARN:         opt(OptAWSRoleARN),
		RoleSessionName: opt(OptAWSRoleSessionName),
		RoleExternalID:  opt(OptAWSRoleExternalID),
		Endpoint:        opt(OptAWSEndpoint),
	}
	if settings.Region == "" {
		settings.Region = regionFromRDSHost(host)
	}
	if settings.Region == "" {
		return settings, true, fmt.Errorf("%s is required when %s is enabled", OptAWSRegion, OptAWSRDSIAM)
	}
	if settings.RoleARN != "" && settings.RoleSessionName == "" {
		settings.RoleSessionName = defaultRoleSessionName
	}
	return settings, true, nil
}

// regionFromRDSHost returns the label before "rds" in hosts like
// orders.abc123.eu-west-1.rds.amazonaws.com.
func regionFromRDSHost(host string) string {
	host, _, _ = strings.Cut(strings.TrimSpace(host), ":")
	labels := strings.Split(host, ".")
	for i := len(labels) - 1; i > 0; i-- {
		if labels[i] == "rds" {
			return labels[i-1]
		}
	}
	return ""
}

func loadAWSConfig(ctx context.Context, settings IAMSettings) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(settings.Region)}
	if settings.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(settings.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if settings.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(settings.Endpoint)
	}
	if settings.RoleARN == "" {
		return cfg, nil
	}
	assume := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), settings.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = settings.RoleSessionName
		if settings.RoleExternalID != "" {
			o.ExternalID = aws.String(settings.RoleExternalID)
		}
	})
	cfg.Credentials = aws.NewCredentialsCache(assume)
	return cfg, nil
}

type iamToken struct {
	value  string
	issued time.Time
}

// IAMAuth swaps connection passwords for signed RDS auth tokens. Tokens are
// cached per host, port and user and re-signed once they near expiry.
type IAMAuth struct {
	creds  aws.CredentialsProvider
	region string
	signer *v4.Signer
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]iamToken
}

// NewIAMAuth returns nil when the options do not enable RDS IAM auth.
func NewIAMAuth(ctx context.Context, dsn string, options map[string]string) (*IAMAuth, error) {
	if !parseBool(options[OptAWSRDSIAM], false) {
		return nil, nil
	}
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	settings, ok, err := ParseIAMSettings(options, connCfg.Host)
	if err != nil || !ok {
		return nil, err
	}
	cfg, err := loadAWSConfig(ctx, settings)
	if err != nil {
		return nil, err
	}
	return newIAMAuth(cfg.Credentials, settings.Region), nil
}

func newIAMAuth(creds aws.CredentialsProvider, region string) *IAMAuth {
	return &IAMAuth{
		creds:  creds,
		region: region,
		signer: v4.NewSigner(),
		now:    time.Now,
		tokens: map[string]iamToken{},
	}
}

// SetPassword sets the password of a connection config to a token.
func (a *IAMAuth) SetPassword(ctx context.Context, cfg *pgconn.Config) error {
	if a == nil {
		return nil
	}
	token, err := a.Token(ctx, cfg.Host, cfg.Port, cfg.User)
	if err != nil {
		return err
	}
	cfg.Password = token
	return nil
}

// ConfigurePool makes every new pool connection authenticate with a token.
func (a *IAMAuth) ConfigurePool(cfg *pgxpool.Config) {
	if a == nil {
		return
	}
	prev := cfg.BeforeConnect
	cfg.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
		if prev != nil {
			if err := prev(ctx, connCfg); err != nil {
				return err
			}
		}
		return a.SetPassword(ctx, &connCfg.Config)
	}
}

// Token returns an RDS auth token for user at host:port.
func (a *IAMAuth) Token(ctx context.Context, host string, port uint16, user string) (string, error) {
	switch {
	case host == "" || strings.HasPrefix(host, "/"):
		return "", fmt.Errorf("rds iam requires a TCP hostname (got %q)", host)
	case port == 0:
		return "", errors.New("rds iam requires a port")
	case user == "":
		return "", errors.New("rds iam requires a user")
	}

	endpoint := host + ":" + strconv.Itoa(int(port))
	key := endpoint + "/" + user
	now := a.now()

	a.mu.Lock()
	cached, ok := a.tokens[key]
	a.mu.Unlock()
	if ok && now.Sub(cached.issued) < iamTokenReuse {
		return cached.value, nil
	}

	token, err := a.sign(ctx, endpoint, user, now)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.tokens[key] = iamToken{value: token, issued: now}
	a.mu.Unlock()
	return token, nil
}

// sign presigns an rds-db connect request; the token is the URL without scheme.
func (a *IAMAuth) sign(ctx context.Context, endpoint, user string, at time.Time) (string, error) {
	target := url.URL{
		Scheme: "https",
		Host:   endpoint,
		Path:   "/",
		RawQuery: url.Values{
			"Action":        {"connect"},
			"DBUser":        {user},
			"X-Amz-Expires": {strconv.Itoa(int(iamTokenLifetime / time.Second))},
		}.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build rds auth request: %w", err)
	}
	creds, err := a.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve aws credentials: %w", err)
	}
	emptyHash := sha256.Sum256(nil)
	signed, _, err := a.signer.PresignHTTP(ctx, creds, req, hex.EncodeToString(emptyHash[:]), "rds-db", a.region, at)
	if err != nil {
		return "", fmt.Errorf("sign rds auth token: %w", err)
	}
	return strings.TrimPrefix(signed, "https://"), nil
}

// ReplicationConnConfig returns the hook the replication opener runs before
// dialing, or nil when IAM auth is disabled.
func ReplicationConnConfig(ctx context.Context, dsn string, options map[string]string) (func(context.Context, *pgconn.Config) error, error) {
	auth, err := NewIAMAuth(ctx, dsn, options)
	if err != nil || auth == nil {
		return nil, err
	}
	return auth.SetPassword, nil
}

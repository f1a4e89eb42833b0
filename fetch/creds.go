package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/google/go-containerregistry/pkg/authn"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StaticCred is a username/password pair configured for one registry
// authority.
type StaticCred struct {
	Username string
	Password string
}

// CredentialResolver picks registry credentials by the reference's
// authority: statically-configured credentials first, then one
// strategy per cloud registry family, keyed by the registry hostname.
type CredentialResolver struct {
	static     map[string]StaticCred
	gcpProbe   func(ctx context.Context) (bool, error)
	azureProbe func(ctx context.Context, authority string) (string, string, error)
	ecrProbe   func(ctx context.Context, authority string) (string, string, error)
}

func NewCredentialResolver(static map[string]StaticCred) *CredentialResolver {
	return &CredentialResolver{
		static:     static,
		gcpProbe:   gcpApplicationDefaultCredentialsAvailable,
		azureProbe: azureRegistryToken,
		ecrProbe:   ecrAuthorizationToken,
	}
}

func (r *CredentialResolver) Resolve(ctx context.Context, authority string) (authn.Authenticator, error) {
	if cred, ok := r.static[authority]; ok {
		return authn.FromConfig(authn.AuthConfig{Username: cred.Username, Password: cred.Password}), nil
	}
	switch {
	case strings.HasSuffix(authority, "gcr.io") || strings.Contains(authority, "-docker.pkg.dev"):
		ok, err := r.gcpProbe(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "gcp credentials")
		}
		if !ok {
			return authn.Anonymous, nil
		}
		return authn.FromConfig(authn.AuthConfig{IdentityToken: "gcp-adc"}), nil

	case strings.Contains(authority, ".azurecr.io"):
		user, pass, err := r.azureProbe(ctx, authority)
		if err != nil {
			return nil, errors.Wrap(err, "azure credentials")
		}
		if user == "" {
			return authn.Anonymous, nil
		}
		return authn.FromConfig(authn.AuthConfig{Username: user, Password: pass}), nil

	case strings.Contains(authority, ".ecr.") && strings.Contains(authority, ".amazonaws.com"):
		user, pass, err := r.ecrProbe(ctx, authority)
		if err != nil {
			return nil, errors.Wrap(err, "ecr credentials")
		}
		return authn.FromConfig(authn.AuthConfig{Username: user, Password: pass}), nil

	default:
		return authn.Anonymous, nil
	}
}

// gcpApplicationDefaultCredentialsAvailable probes for usable GCP
// application-default credentials by attempting to construct a storage
// client, the same client the GCS remote cache tier uses
// (fetch/remote_cache.go); a successful construction implies a token
// source was found.
func gcpApplicationDefaultCredentialsAvailable(ctx context.Context) (bool, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "could not find default credentials") {
			return false, nil
		}
		return false, err
	}
	client.Close()
	return true, nil
}

// acrTokenUser is the well-known client id ACR accepts as the
// username when the password is an exchanged AAD refresh token.
const acrTokenUser = "00000000-0000-0000-0000-000000000000"

// azureRegistryToken acquires an AAD token from the ambient
// credential chain (environment, workload identity, managed identity,
// Azure CLI) and exchanges it at the registry's oauth2/exchange
// endpoint for short-lived ACR credentials. No usable ambient
// identity means anonymous pull; a failed exchange for an identity
// that does exist is surfaced as an error.
func azureRegistryToken(ctx context.Context, authority string) (user, pass string, err error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", "", nil
	}
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{"https://containerregistry.azure.net/.default"},
	})
	if err != nil {
		return "", "", nil // chain constructed but no token source usable; anonymous pull
	}
	refresh, err := acrExchange(ctx, authority, tok.Token)
	if err != nil {
		return "", "", err
	}
	return acrTokenUser, refresh, nil
}

// acrExchange trades an AAD access token for an ACR refresh token.
func acrExchange(ctx context.Context, authority, aadToken string) (string, error) {
	form := url.Values{
		"grant_type":   {"access_token"},
		"service":      {authority},
		"access_token": {aadToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://"+authority+"/oauth2/exchange", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("acr token exchange: %s", resp.Status)
	}
	var out struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "acr token exchange: decode")
	}
	if out.RefreshToken == "" {
		return "", errors.New("acr token exchange: empty refresh token")
	}
	return out.RefreshToken, nil
}

func ecrAuthorizationToken(ctx context.Context, authority string) (user, pass string, err error) {
	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return "", "", err
	}
	svc := ecr.New(sess)
	out, err := svc.GetAuthorizationTokenWithContext(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", err
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", errors.New("ecr: no authorization data returned")
	}
	return "AWS", aws.StringValue(out.AuthorizationData[0].AuthorizationToken), nil
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}

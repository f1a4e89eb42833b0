package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/pkg/errors"

	"github.com/wasmcloud/host/cmn/retry"
)

// OCIPuller fetches component/provider artifacts from an OCI registry
// via github.com/google/go-containerregistry.
type OCIPuller struct {
	opts  Options
	creds *CredentialResolver
}

func NewOCIPuller(opts Options) *OCIPuller {
	return &OCIPuller{opts: opts, creds: NewCredentialResolver(opts.RegistryCreds)}
}

func (f *Fetcher) fetchOCI(ctx context.Context, ref Ref) (*Artifact, error) {
	if ref.Tag == "latest" && !f.opts.OCIAllowLatest && ref.Digest == "" {
		return nil, newErr(KindDisallowed, ref.Raw, errors.New("oci_allow_latest is false"))
	}

	repoRef := ref.Repo
	if ref.Digest != "" {
		repoRef += "@" + ref.Digest
	} else {
		repoRef += ":" + ref.Tag
	}

	tag, err := name.ParseReference(repoRef, f.nameOptions()...)
	if err != nil {
		return nil, newErr(KindDisallowed, ref.Raw, err)
	}

	auth, err := f.oci.creds.Resolve(ctx, ref.Authority())
	if err != nil {
		return nil, newErr(KindUnauthorized, ref.Raw, err)
	}

	craneOpts := []crane.Option{
		crane.WithContext(ctx),
		crane.WithAuth(auth),
	}
	if client := f.httpClient(); client != nil {
		craneOpts = append(craneOpts, crane.WithTransport(client.Transport))
	}

	if digest := ref.Digest; digest == "" {
		// Resolve the tag to a digest first so the local cache key is
		// content-addressed, not tag-addressed.
		var resolved string
		err := retry.Do(ctx, pullRetry, func() (rerr error) {
			resolved, rerr = crane.Digest(tag.Name(), craneOpts...)
			return rerr
		})
		if err != nil {
			return nil, classifyCraneErr(ref.Raw, err)
		}
		ref.Digest = resolved
	}

	if cached, ok := f.cache.Get(ref.Digest); ok {
		return classifyArtifact(ref.Raw, cached, ref.Digest)
	}
	if f.remote != nil {
		if data, ok, err := f.remote.Get(ctx, ref.Digest); err == nil && ok {
			_ = f.cache.Put(ref.Digest, data)
			return classifyArtifact(ref.Raw, data, ref.Digest)
		}
	}

	var raw v1.Image
	err = retry.Do(ctx, pullRetry, func() (rerr error) {
		raw, rerr = crane.Pull(tag.Name(), craneOpts...)
		return rerr
	})
	if err != nil {
		return nil, classifyCraneErr(ref.Raw, err)
	}
	layers, err := raw.Layers()
	if err != nil {
		return nil, newErr(KindCorrupt, ref.Raw, err)
	}
	if len(layers) == 0 {
		return nil, newErr(KindCorrupt, ref.Raw, errors.New("manifest has no layers"))
	}
	rc, err := layers[len(layers)-1].Uncompressed()
	if err != nil {
		return nil, newErr(KindCorrupt, ref.Raw, err)
	}
	defer rc.Close()

	data, err := readAllLimited(rc, 256<<20)
	if err != nil {
		return nil, newErr(KindIoError, ref.Raw, err)
	}

	if err := f.cache.Put(ref.Digest, data); err != nil {
		return nil, newErr(KindIoError, ref.Raw, err)
	}
	if f.remote != nil {
		// Best effort; a peer host will just pull from the registry.
		_ = f.remote.Put(ctx, ref.Digest, data)
	}

	return classifyArtifact(ref.Raw, data, ref.Digest)
}

// classifyArtifact distinguishes a signed provider archive from a
// component binary by content, not by reference: an OCI tag tells us
// nothing about what is inside the layer.
func classifyArtifact(rawRef string, data []byte, digest string) (*Artifact, error) {
	if isProviderArchive(data) {
		dir, err := unpackProviderArchive(rawRef, data)
		if err != nil {
			return nil, newErr(KindCorrupt, rawRef, err)
		}
		return &Artifact{Kind: ArtifactProvider, ArchivePath: dir, Digest: digest}, nil
	}
	claims, err := extractClaimsSection(data)
	if err != nil {
		return nil, newErr(KindCorrupt, rawRef, err)
	}
	return &Artifact{Kind: ArtifactComponent, Bytes: data, Claims: claims, Digest: digest}, nil
}

func (f *Fetcher) nameOptions() []name.Option {
	var opts []name.Option
	if f.opts.OCIAllowInsecure {
		opts = append(opts, name.Insecure)
	}
	return opts
}

func (f *Fetcher) httpClient() *http.Client {
	if len(f.opts.ExtraCACertPEM) == 0 {
		return nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	pool.AppendCertsFromPEM(f.opts.ExtraCACertPEM)
	return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}
}

// pullRetry is the registry retry budget: throttling and transient
// transport failures get a couple of backed-off retries, auth and
// missing-manifest failures surface immediately.
var pullRetry = retry.Args{
	Attempts: 3,
	Base:     250 * time.Millisecond,
	Retriable: func(err error) bool {
		msg := err.Error()
		return !strings.Contains(msg, "UNAUTHORIZED") && !strings.Contains(msg, "MANIFEST_UNKNOWN") &&
			!strings.Contains(msg, "403") && !strings.Contains(msg, "404")
	},
}

func classifyCraneErr(ref string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNAUTHORIZED") || strings.Contains(msg, "403"):
		return newErr(KindUnauthorized, ref, err)
	case strings.Contains(msg, "MANIFEST_UNKNOWN") || strings.Contains(msg, "404"):
		return newErr(KindNotFound, ref, err)
	default:
		return newErr(KindIoError, ref, err)
	}
}

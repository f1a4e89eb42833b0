// Package fetch resolves artifact references to component bytes or an
// unpacked provider archive, plus any embedded signed claims: one
// implementation per reference scheme, selected by parsing the
// reference itself.
package fetch

import (
	"context"
	"fmt"
)

// Kind classifies a fetch failure. OCI registry requests get a bounded
// retry on transient errors (pullRetry in oci.go); every other failure
// is returned on the first attempt and the caller decides.
type Kind int

const (
	KindDisallowed Kind = iota
	KindNotFound
	KindUnauthorized
	KindCorrupt
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindDisallowed:
		return "disallowed"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindCorrupt:
		return "corrupt"
	case KindIoError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error is the typed error every Fetcher method returns on failure.
type Error struct {
	Kind Kind
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Ref, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Ref, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, ref string, err error) *Error {
	return &Error{Kind: kind, Ref: ref, Err: err}
}

// Artifact is what a successful fetch produces. Exactly one of
// Bytes/ArchivePath is populated depending on Kind.
type Artifact struct {
	Kind        ArtifactKind
	Bytes       []byte // component wasm, when Kind == ArtifactComponent
	ArchivePath string // unpacked provider binary root, when Kind == ArtifactProvider
	Claims      []byte // raw JWT custom section or signature payload, if present
	Digest      string
}

type ArtifactKind int

const (
	ArtifactComponent ArtifactKind = iota
	ArtifactProvider
)

// Options carries the host config knobs this package honors
// (allow_file_load, oci_allowed_insecure, oci_allow_latest, static
// registry credentials, extra CA certificates).
type Options struct {
	AllowFileLoad    bool
	OCIAllowInsecure bool
	OCIAllowLatest   bool
	ExtraCACertPEM   []byte
	RegistryCreds    map[string]StaticCred
}

// Fetcher resolves a reference string per the scheme grammar: file://,
// oci://, wasmcloud+builtin://, http(s):// (treated as OCI), or a bare
// string (treated as OCI).
type Fetcher struct {
	opts   Options
	cache  *Cache
	remote RemoteCacheBackend
	oci    *OCIPuller
}

func New(opts Options, cache *Cache) *Fetcher {
	return &Fetcher{opts: opts, cache: cache, oci: NewOCIPuller(opts)}
}

// SetRemoteCache installs the optional fleet-shared cache tier
// consulted between a local cache miss and a registry pull.
func (f *Fetcher) SetRemoteCache(b RemoteCacheBackend) { f.remote = b }

func (f *Fetcher) Fetch(ctx context.Context, ref string) (*Artifact, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, newErr(KindDisallowed, ref, err)
	}
	switch parsed.Scheme {
	case SchemeFile:
		return f.fetchFile(parsed)
	case SchemeBuiltin:
		return f.fetchBuiltin(parsed)
	case SchemeOCI, SchemeHTTP, SchemeBare:
		return f.fetchOCI(ctx, parsed)
	default:
		return nil, newErr(KindDisallowed, ref, fmt.Errorf("unhandled scheme %q", parsed.Scheme))
	}
}

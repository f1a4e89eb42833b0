package fetch

import (
	"strings"
)

type Scheme string

const (
	SchemeFile    Scheme = "file"
	SchemeOCI     Scheme = "oci"
	SchemeBuiltin Scheme = "wasmcloud+builtin"
	SchemeHTTP    Scheme = "http"
	SchemeBare    Scheme = "bare" // no recognized scheme prefix; treated as OCI
)

// Ref is a parsed reference string.
type Ref struct {
	Raw     string
	Scheme  Scheme
	Rest    string // everything after "scheme://"
	Repo    string // OCI schemes only
	Tag     string // OCI schemes only; "latest" when none is given, empty for a digest
	Digest  string // OCI schemes only, when the tag position is a digest
}

// ParseRef classifies a reference string: file://, oci://,
// wasmcloud+builtin://, http(s):// (treated as OCI), or any bare
// string (treated as OCI after trying to parse).
func ParseRef(raw string) (Ref, error) {
	switch {
	case strings.HasPrefix(raw, "file://"):
		return Ref{Raw: raw, Scheme: SchemeFile, Rest: raw[len("file://"):]}, nil
	case strings.HasPrefix(raw, "wasmcloud+builtin://"):
		return Ref{Raw: raw, Scheme: SchemeBuiltin, Rest: raw[len("wasmcloud+builtin://"):]}, nil
	case strings.HasPrefix(raw, "oci://"):
		return parseOCI(raw, raw[len("oci://"):], SchemeOCI)
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return parseOCI(raw, stripHTTPScheme(raw), SchemeHTTP)
	default:
		return parseOCI(raw, raw, SchemeBare)
	}
}

func stripHTTPScheme(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		return raw[i+3:]
	}
	return raw
}

// parseOCI splits "<registry>/<repo>:<tag>" or "<registry>/<repo>@sha256:...".
func parseOCI(raw, rest string, scheme Scheme) (Ref, error) {
	r := Ref{Raw: raw, Scheme: scheme, Rest: rest}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		r.Repo = rest[:i]
		r.Digest = rest[i+1:]
		return r, nil
	}
	// A ":" after the last "/" is the tag separator; a ":" that's part of
	// "registry:port/repo" appears before the last "/".
	lastSlash := strings.LastIndex(rest, "/")
	tagSep := strings.LastIndex(rest, ":")
	if tagSep > lastSlash {
		r.Repo = rest[:tagSep]
		r.Tag = rest[tagSep+1:]
	} else {
		r.Repo = rest
		r.Tag = "latest"
	}
	return r, nil
}

// Authority returns the registry host portion of an OCI-scheme
// reference, used to select registry-specific credentials.
func (r Ref) Authority() string {
	if i := strings.Index(r.Repo, "/"); i >= 0 {
		return r.Repo[:i]
	}
	return r.Repo
}

// Canonical re-emits the reference in its normalized form; parsing and
// re-emitting is idempotent (testable property).
func (r Ref) Canonical() string {
	switch r.Scheme {
	case SchemeFile:
		return "file://" + r.Rest
	case SchemeBuiltin:
		return "wasmcloud+builtin://" + r.Rest
	default:
		if r.Digest != "" {
			return r.Repo + "@" + r.Digest
		}
		return r.Repo + ":" + r.Tag
	}
}

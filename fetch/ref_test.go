package fetch

import "testing"

func TestParseRefSchemeClassification(t *testing.T) {
	cases := []struct {
		ref    string
		scheme Scheme
	}{
		{"file:///tmp/hello.wasm", SchemeFile},
		{"wasmcloud+builtin://httpserver", SchemeBuiltin},
		{"oci://ghcr.io/wasmcloud/hello:1.0.0", SchemeOCI},
		{"https://ghcr.io/wasmcloud/hello:1.0.0", SchemeHTTP},
		{"ghcr.io/wasmcloud/hello:1.0.0", SchemeBare},
	}
	for _, c := range cases {
		got, err := ParseRef(c.ref)
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", c.ref, err)
		}
		if got.Scheme != c.scheme {
			t.Fatalf("ParseRef(%q).Scheme = %v, want %v", c.ref, got.Scheme, c.scheme)
		}
	}
}

func TestParseRefRoundTripIsIdempotent(t *testing.T) {
	refs := []string{
		"ghcr.io/wasmcloud/hello:1.0.0",
		"ghcr.io/wasmcloud/hello@sha256:deadbeef",
		"localhost:5000/wasmcloud/hello:latest",
	}
	for _, raw := range refs {
		first, err := ParseRef(raw)
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", raw, err)
		}
		second, err := ParseRef(first.Canonical())
		if err != nil {
			t.Fatalf("ParseRef(canonical %q): %v", first.Canonical(), err)
		}
		if second.Canonical() != first.Canonical() {
			t.Fatalf("round-trip not idempotent: %q != %q", second.Canonical(), first.Canonical())
		}
	}
}

func TestParseOCIAuthorityHandlesPortedRegistry(t *testing.T) {
	r, err := ParseRef("localhost:5000/wasmcloud/hello:latest")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	if r.Authority() != "localhost:5000" {
		t.Fatalf("Authority() = %q, want %q", r.Authority(), "localhost:5000")
	}
	if r.Tag != "latest" {
		t.Fatalf("Tag = %q, want %q", r.Tag, "latest")
	}
}

func TestFetchFileDisallowedWhenNotPermitted(t *testing.T) {
	f := New(Options{AllowFileLoad: false}, nil)
	_, err := f.Fetch(nil, "file:///etc/hosts") //nolint:staticcheck // nil ctx acceptable: fetchFile never uses it
	var ferr *Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asError(err, &ferr) || ferr.Kind != KindDisallowed {
		t.Fatalf("err = %v, want KindDisallowed", err)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

package fetch

import (
	"os"
)

// fetchFile handles file:// references, disallowed unless the host
// was started with allow_file_load.
func (f *Fetcher) fetchFile(ref Ref) (*Artifact, error) {
	if !f.opts.AllowFileLoad {
		return nil, newErr(KindDisallowed, ref.Raw, nil)
	}
	data, err := os.ReadFile(ref.Rest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, ref.Raw, err)
		}
		return nil, newErr(KindIoError, ref.Raw, err)
	}
	return classifyArtifact(ref.Raw, data, digestHex(data))
}

// fetchBuiltin resolves wasmcloud+builtin:// references against the
// host's compiled-in catalog of reference components/providers,
// registered by name rather than fetched over the network.
func (f *Fetcher) fetchBuiltin(ref Ref) (*Artifact, error) {
	data, ok := builtinCatalog[ref.Rest]
	if !ok {
		return nil, newErr(KindNotFound, ref.Raw, nil)
	}
	return &Artifact{Kind: ArtifactComponent, Bytes: data, Digest: digestHex(data)}, nil
}

// builtinCatalog holds embedded reference artifacts shipped with the
// host binary itself; empty by default, populated by host builds that
// embed one.
var builtinCatalog = map[string][]byte{}

func RegisterBuiltin(name string, data []byte) {
	builtinCatalog[name] = data
}

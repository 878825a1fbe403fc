// Package snapshot serializes suspended processes so they can be resumed
// later, possibly by another VM.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/chazu/marrow/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("marrow.snapshot")

// Version is written into every encoded snapshot.
const Version = 1

// ErrVersion marks a snapshot written by an incompatible encoder.
var ErrVersion = errors.New("unsupported snapshot version")

// canonical mode keeps encodings of equal chains byte-identical.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type envelope struct {
	Version int            `cbor:"v"`
	Image   *vm.ChainImage `cbor:"img"`
}

// Encode serializes a suspended process.
func Encode(machine *vm.VM, p *vm.Process) ([]byte, error) {
	img, err := machine.Export(p)
	if err != nil {
		return nil, fmt.Errorf("snapshot: export %s: %w", p.ID, err)
	}
	data, err := cborEncMode.Marshal(envelope{Version: Version, Image: img})
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal %s: %w", p.ID, err)
	}
	log.Debugf("encoded %s: %d contexts, %d bytes", p.ID, len(img.Contexts), len(data))
	return data, nil
}

// Decode rebuilds a suspended process in machine. Methods are looked up by
// name through codes.
func Decode(machine *vm.VM, data []byte, codes vm.CodeLoader) (*vm.Process, error) {
	img, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	p, err := machine.Import(img, codes)
	if err != nil {
		return nil, fmt.Errorf("snapshot: import %s: %w", img.ProcessID, err)
	}
	return p, nil
}

func unmarshal(data []byte) (*vm.ChainImage, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	if env.Image == nil {
		return nil, fmt.Errorf("snapshot: unmarshal: missing image")
	}
	return env.Image, nil
}

package zkp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
)

// CircuitIDs lists every circuit in compile order
func CircuitIDs() []CircuitID {
	return []CircuitID{CircuitDeposit, CircuitSpend}
}

// keyPaths returns the proving and verifying key files of a circuit. Spend
// keys depend on the tree depth.
func (cm *CircuitManager) keyPaths(dir string, id CircuitID) (string, string) {
	base := string(id)
	if id == CircuitSpend {
		base = fmt.Sprintf("%s_d%d", id, cm.depth)
	}
	return filepath.Join(dir, base+".pk"), filepath.Join(dir, base+".vk")
}

// CompileWithKeys compiles every circuit and loads its Groth16 keys from dir.
// A circuit without keys on disk gets a fresh setup whose keys are saved, so
// processes sharing dir prove and verify against the same keys.
func (cm *CircuitManager) CompileWithKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	for _, id := range CircuitIDs() {
		ccs, err := cm.build(id)
		if err != nil {
			return err
		}

		pkPath, vkPath := cm.keyPaths(dir, id)
		pk := groth16.NewProvingKey(ecc.BN254)
		vk := groth16.NewVerifyingKey(ecc.BN254)
		pkErr := readKey(pkPath, pk)
		vkErr := readKey(vkPath, vk)

		switch {
		case pkErr == nil && vkErr == nil:
		case errors.Is(pkErr, os.ErrNotExist) && errors.Is(vkErr, os.ErrNotExist):
			pk, vk, err = groth16.Setup(ccs)
			if err != nil {
				return fmt.Errorf("setup %s: %w", id, err)
			}
			if err := writeKey(pkPath, pk); err != nil {
				return err
			}
			if err := writeKey(vkPath, vk); err != nil {
				return err
			}
		default:
			return fmt.Errorf("load %s keys: %w", id, errors.Join(pkErr, vkErr))
		}

		cm.mu.Lock()
		cm.circuits[id] = &compiledCircuit{ccs: ccs, pk: pk, vk: vk}
		cm.mu.Unlock()
	}
	return nil
}

func readKey(path string, key io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := key.ReadFrom(f); err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeKey(path string, key io.WriterTo) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := key.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

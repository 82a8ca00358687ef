package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark/test"

	"github.com/rollupnc/coordinator/batch"
)

func TestWriteReadCertifiedBatch(t *testing.T) {
	assert := test.NewAssert(t)
	w := sealedWitness(assert)
	oracle := NewNativeOracle()
	cert, err := oracle.Prove(context.Background(), w)
	assert.NoError(err)

	path := filepath.Join(t.TempDir(), "batch.json")
	assert.NoError(WriteDataToFile(path, *cert))
	back, err := ReadDataFromFile[CertifiedBatch](path)
	assert.NoError(err)
	assert.Equal(cert.Proof, back.Proof)
	assert.True(back.TxRoot.Equal(&cert.TxRoot))
	assert.NoError(oracle.Verify(context.Background(), &back))
}

func TestWriteReadWitness(t *testing.T) {
	assert := test.NewAssert(t)
	w := sealedWitness(assert)

	path := filepath.Join(t.TempDir(), "witness.json")
	assert.NoError(WriteDataToFile(path, *w))
	back, err := ReadDataFromFile[batch.Witness](path)
	assert.NoError(err)
	assert.NoError(back.Check())
	assert.True(back.PrevRoot.Equal(&w.PrevRoot))
}

func TestReadMissingFile(t *testing.T) {
	assert := test.NewAssert(t)
	_, err := ReadDataFromFile[CertifiedBatch](filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(err)
}

package core

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rollupnc/coordinator/batch"
)

func writeJson(filePath string, data interface{}) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer func(file *os.File) {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("couldn't close file: %w", cerr)
		}
	}(file)

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func readJson(filePath string, data interface{}) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(data)
}

// WriteDataToFile writes a certified batch or a witness bundle to filePath as indented json.
// Both are first converted to their raw representation.
func WriteDataToFile[D CertifiedBatch | batch.Witness](filePath string, data D) error {
	switch v := any(data).(type) {
	case CertifiedBatch:
		if err := writeJson(filePath, ConvertCertifiedBatchToRaw(v)); err != nil {
			return fmt.Errorf("error writing certified batch to file: %w", err)
		}
	case batch.Witness:
		if err := writeJson(filePath, v.ToRaw()); err != nil {
			return fmt.Errorf("error writing witness to file: %w", err)
		}
	}
	return nil
}

// ReadDataFromFile reads what WriteDataToFile wrote.
func ReadDataFromFile[D CertifiedBatch | batch.Witness](filePath string) (D, error) {
	var data D
	switch any(data).(type) {
	case CertifiedBatch:
		var raw RawCertifiedBatch
		if err := readJson(filePath, &raw); err != nil {
			return data, fmt.Errorf("error reading certified batch from file: %w", err)
		}
		c, err := ConvertRawToCertifiedBatch(raw)
		if err != nil {
			return data, err
		}
		return any(c).(D), nil
	case batch.Witness:
		var raw batch.RawWitness
		if err := readJson(filePath, &raw); err != nil {
			return data, fmt.Errorf("error reading witness from file: %w", err)
		}
		w, err := batch.WitnessFromRaw(raw)
		if err != nil {
			return data, err
		}
		return any(*w).(D), nil
	}
	return data, nil
}

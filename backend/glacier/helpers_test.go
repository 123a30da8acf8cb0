package glacier

import (
	"os"
	"testing"
)

func createTempFile(t *testing.T, data []byte) (string, error) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "glacier-part-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

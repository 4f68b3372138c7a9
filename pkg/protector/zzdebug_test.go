package protector

import "testing"

func TestDebugExports(t *testing.T) {
	img := buildTestInterpreter(t, true)
	_, err := img.Exports()
	t.Logf("err=%v", err)
}

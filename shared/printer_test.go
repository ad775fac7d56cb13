package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	sb     strings.Builder
	closed bool
}

func (b *bufferHook) WriteString(s string) (int, error) { return b.sb.WriteString(s) }
func (b *bufferHook) Close() error                      { b.closed = true; return nil }

func TestNewPrinterValidatesHooks(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)
	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	hook := new(bufferHook)
	p, err := NewPrinter("│  ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("first\nsecond", 1))

	assert.Equal(t, "│  first\n│  second\n", hook.sb.String())
}

func TestPrinterFansOutToAllHooks(t *testing.T) {
	a, b := new(bufferHook), new(bufferHook)
	p, err := NewPrinter("  ", a, b)
	require.NoError(t, err)

	require.NoError(t, p.Write("hola", 0))

	assert.Equal(t, "hola", a.sb.String())
	assert.Equal(t, "hola", b.sb.String())
}

func TestPrinterCloseClosesHooks(t *testing.T) {
	hook := new(bufferHook)
	p, err := NewPrinter("", hook)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, hook.closed)
}

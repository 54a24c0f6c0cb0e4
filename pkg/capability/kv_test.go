package capability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKvKeyRejectsEmpty(t *testing.T) {
	_, err := NewKvKey(NamespaceOutbox, "")
	require.Error(t, err)
	var ke *KVError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, ErrKVInvalidKey, ke.Code)
}

func TestNewKvKeyRejectsWhitespaceOnly(t *testing.T) {
	_, err := NewKvKey(NamespaceOutbox, "   ")
	require.Error(t, err)
}

func TestNewKvKeyRejectsTooLong(t *testing.T) {
	_, err := NewKvKey(NamespaceCache, strings.Repeat("a", MaxKeyLength+1))
	require.Error(t, err)
}

func TestNewKvKeyRejectsNullByte(t *testing.T) {
	_, err := NewKvKey(NamespaceCache, "foo\x00bar")
	require.Error(t, err)
}

func TestNewKvKeyRejectsPathTraversal(t *testing.T) {
	_, err := NewKvKey(NamespaceCache, "../secret")
	require.Error(t, err)
}

func TestNewKvKeyRejectsLeadingSlash(t *testing.T) {
	_, err := NewKvKey(NamespaceCache, "/etc/passwd")
	require.Error(t, err)
}

func TestNewKvKeyRejectsControlChars(t *testing.T) {
	_, err := NewKvKey(NamespaceCache, "foo\x01bar")
	require.Error(t, err)
}

func TestNewKvKeyAllowsTab(t *testing.T) {
	_, err := NewKvKey(NamespaceCache, "foo\tbar")
	require.NoError(t, err)
}

func TestNewKvKeyValidRendersRaw(t *testing.T) {
	k, err := NewKvKey(NamespaceSync, "cursor-1")
	require.NoError(t, err)
	assert.Equal(t, "sync:cursor-1", k.Raw())
}

func TestNewCustomNamespaceValidates(t *testing.T) {
	ns, err := NewCustomNamespace("my_app")
	require.NoError(t, err)
	assert.Equal(t, KeyNamespace("my_app"), ns)

	_, err = NewCustomNamespace("")
	require.Error(t, err)

	_, err = NewCustomNamespace(strings.Repeat("x", MaxPrefixLength+1))
	require.Error(t, err)

	_, err = NewCustomNamespace("bad namespace!")
	require.Error(t, err)
}

package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", Digest("hello world"))
	require.Equal(t, Digest("<html/>"), Digest("<html/>"))
	require.NotEqual(t, Digest("<html>1</html>"), Digest("<html>2</html>"))
}

package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smiOutput = `0, GPU-aaaa, NVIDIA GeForce RTX 4090, 550.54.14, 24564, 1024, 12, 45, 80.5
1, GPU-bbbb, NVIDIA GeForce RTX 3070, 550.54.14, 8192, [N/A], [N/A], 40, [N/A]

`

func TestParseSMI(t *testing.T) {
	devs, err := ParseSMI([]byte(smiOutput))
	require.NoError(t, err)
	require.Len(t, devs, 2)

	a := devs[0]
	assert.Equal(t, "cuda:0", a.ID)
	assert.Equal(t, "GPU-aaaa", a.UUID)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", a.Name)
	assert.Equal(t, int64(24564)*mibToBytes, a.TotalBytes)
	assert.Equal(t, int64(1024)*mibToBytes, a.Health.UsedBytes)
	assert.Equal(t, 80.5, a.Health.PowerW)
	assert.Zero(t, a.UsedBytes, "pool accounting starts empty")

	b := devs[1]
	assert.Equal(t, 1, b.Index)
	assert.Zero(t, b.Health.UsedBytes)
	assert.Zero(t, b.Health.UtilizationPct)
}

func TestParseSMIRejectsShortLines(t *testing.T) {
	_, err := ParseSMI([]byte("0, GPU-x, name\n"))
	assert.Error(t, err)
}

func TestFilterIndicesAndStatic(t *testing.T) {
	devs, err := StaticEnumerator{
		{ID: "cuda:0", Index: 0}, {ID: "cuda:1", Index: 1}, {ID: "cuda:2", Index: 2},
	}.Enumerate(context.Background())
	require.NoError(t, err)
	got := FilterIndices(devs, []int{2, 0})
	require.Len(t, got, 2)
	assert.Equal(t, "cuda:0", got[0].ID)
	assert.Equal(t, "cuda:2", got[1].ID)
	assert.Len(t, FilterIndices(devs, nil), 3)
}

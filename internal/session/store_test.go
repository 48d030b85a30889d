package session

import (
	"os"
	"sync"
	"testing"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/stretchr/testify/require"
)

func TestStoreChunk_IdempotentAndOrdered(t *testing.T) {
	s := NewStore(t.TempDir())

	order := []int{2, 0, 1}
	for _, idx := range order {
		payload := []byte{byte('a' + idx)}
		received, err := s.StoreChunk("s1", idx, 3, payload)
		require.NoError(t, err)
		_ = received
	}

	snap, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, 3, snap.ReceivedChunks)

	require.NoError(t, s.MarkComplete("s1"))
	data, err := s.Reassemble("s1")
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'a' + 1, 'a' + 2}, data)
}

func TestStoreChunk_DuplicateDoesNotGrowCount(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.StoreChunk("s1", 0, 2, []byte("first"))
	require.NoError(t, err)
	received, err := s.StoreChunk("s1", 0, 2, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, 1, received)

	data, err := s.readChunkForTest("s1", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)
}

func (s *Store) readChunkForTest(sessionID string, index int) ([]byte, error) {
	return os.ReadFile(s.chunkPath(sessionID, index))
}

func TestStartProcessing_AtMostOnce(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.StoreChunk("s1", 0, 1, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete("s1"))

	const n = 20
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.StartProcessing("s1", "processing")
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	require.Equal(t, 1, trueCount)
}

func TestStatusMonotonicity_RejectsAfterTerminal(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.StoreChunk("s1", 0, 1, []byte("x"))
	require.NoError(t, err)
	ok, err := s.StartProcessing("s1", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.SetStatus("s1", StatusPushed, "done", nil))

	_, err = s.StoreChunk("s1", 0, 1, []byte("y"))
	apiErr, isAPIErr := apierr.As(err)
	require.True(t, isAPIErr)
	require.Equal(t, apierr.CodeSessionCompleted, apiErr.Code)
}

func TestReassemble_IncompleteChunks(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.StoreChunk("s3", 0, 3, []byte("a"))
	require.NoError(t, err)
	_, err = s.StoreChunk("s3", 2, 3, []byte("c"))
	require.NoError(t, err)

	_, err = s.Reassemble("s3")
	apiErr, isAPIErr := apierr.As(err)
	require.True(t, isAPIErr)
	require.Equal(t, apierr.CodeIncompleteChunks, apiErr.Code)
}

func TestMarkComplete_DoesNotRequireAllChunks(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.StoreChunk("s1", 0, 3, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete("s1"))

	snap, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, snap.Status)
}

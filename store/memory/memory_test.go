package memory

import (
	"testing"

	"github.com/deltapub/deltapub/store"
	"github.com/deltapub/deltapub/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunSuite(t, func(t *testing.T) store.Store {
		return NewStore()
	})
}

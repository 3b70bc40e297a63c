package memory

import (
	"testing"

	"kasirsync/internal/store"
	"kasirsync/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository { return New() })
}

package memstore

import (
	"testing"

	"github.com/spritelab/fleetd/internal/port/store"
	"github.com/spritelab/fleetd/internal/port/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

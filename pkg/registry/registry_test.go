package registry

import (
	"context"
	"testing"
	"time"

	"github.com/onsi/gomega"

	"github.com/fenio/vmediad/pkg/config"
	"github.com/fenio/vmediad/pkg/slot"
	"github.com/fenio/vmediad/pkg/udevmon"
)

func twoSlotConfig() []config.SlotConfig {
	return []config.SlotConfig{
		{Name: "Slot_0", Mode: config.ModeProxy, NBDDevice: "nbd0", Socket: "/run/vmediad/slot0.sock", Timeout: 2 * time.Second},
		{Name: "Slot_1", Mode: config.ModeProxy, NBDDevice: "nbd1", Socket: "/run/vmediad/slot1.sock", Timeout: 2 * time.Second},
	}
}

func TestNewBuildsOneMachinePerSlot(t *testing.T) {
	g := gomega.NewWithT(t)
	r := New(twoSlotConfig(), nil)

	g.Expect(r.Slots()).To(gomega.HaveLen(2))
	g.Expect(r.Get("Slot_0")).NotTo(gomega.BeNil())
	g.Expect(r.Get("Slot_1")).NotTo(gomega.BeNil())
	g.Expect(r.Get("missing")).To(gomega.BeNil())
}

func TestUdevEventRoutesToOwningSlot(t *testing.T) {
	g := gomega.NewWithT(t)
	r := New(twoSlotConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, m := range r.Slots() {
		go m.Run(ctx)
	}
	g.Eventually(r.Get("Slot_0").State, time.Second).Should(gomega.Equal(slot.StateInitial))

	r.onUdevEvent("nbd1", udevmon.Inserted)

	g.Consistently(r.Get("Slot_0").State, 50*time.Millisecond).Should(gomega.Equal(slot.StateInitial))
	g.Consistently(r.Get("Slot_1").State, 50*time.Millisecond).Should(gomega.Equal(slot.StateInitial))
}

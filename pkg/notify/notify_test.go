package notify

import (
	"testing"
	"time"

	"github.com/onsi/gomega"
)

func TestNotifyWithoutStartIsDropped(t *testing.T) {
	g := gomega.NewWithT(t)
	n := New()
	called := false
	n.Notify(Success, func(ErrCode) { called = true })
	g.Expect(called).To(gomega.BeFalse())
}

func TestNotifyCancelsTimer(t *testing.T) {
	g := gomega.NewWithT(t)
	n := New()

	timedOut := false
	n.Start(50*time.Millisecond, func() { timedOut = true })

	var got ErrCode = -1
	n.Notify(Success, func(ec ErrCode) { got = ec })

	g.Expect(got).To(gomega.Equal(Success))
	g.Consistently(func() bool { return timedOut }, 200*time.Millisecond, 20*time.Millisecond).Should(gomega.BeFalse())
}

func TestTimeoutFiresWithoutNotify(t *testing.T) {
	g := gomega.NewWithT(t)
	n := New()

	fired := make(chan struct{})
	n.Start(20*time.Millisecond, func() { close(fired) })

	g.Eventually(fired, time.Second).Should(gomega.BeClosed())
}

func TestReArmCancelsPendingTimer(t *testing.T) {
	g := gomega.NewWithT(t)
	n := New()

	firstFired := false
	n.Start(30*time.Millisecond, func() { firstFired = true })
	n.Start(time.Hour, func() {})

	g.Consistently(func() bool { return firstFired }, 100*time.Millisecond, 10*time.Millisecond).Should(gomega.BeFalse())
	g.Expect(n.Armed()).To(gomega.BeTrue())
}

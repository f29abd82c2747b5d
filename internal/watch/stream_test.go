package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_AllFollowsEveryFileEvent(t *testing.T) {
	s := newStream()
	rec := record(s)

	s.emit(fileEvent(KindAdd, "/repo/a.txt", nil))
	s.emit(fileEvent(KindChange, "/repo/a.txt", nil))
	s.emit(fileEvent(KindDelete, "/repo/a.txt", nil))
	s.emit(Event{Kind: KindReady})
	s.emit(errorEvent("boom"))

	assert.Equal(t, []string{
		"add /repo/a.txt", "all /repo/a.txt",
		"change /repo/a.txt", "all /repo/a.txt",
		"delete /repo/a.txt", "all /repo/a.txt",
		"ready",
		"error: boom",
	}, rec.Lines())
}

func TestStream_AllCarriesSpecificKind(t *testing.T) {
	s := newStream()
	var got []Kind
	s.On(KindAll, func(e Event) { got = append(got, e.Kind) })

	s.emit(fileEvent(KindDelete, "/repo/a.txt", nil))

	assert.Equal(t, []Kind{KindDelete}, got)
}

func TestStream_MultipleHandlersInOrder(t *testing.T) {
	s := newStream()
	var got []string
	s.On(KindAdd, func(Event) { got = append(got, "first") })
	s.On(KindAdd, func(Event) { got = append(got, "second") })

	s.emit(fileEvent(KindAdd, "/repo/a.txt", nil))

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestStream_HandlerCanRegisterDuringDispatch(t *testing.T) {
	s := newStream()
	calls := 0
	s.On(KindReady, func(Event) {
		s.On(KindEnd, func(Event) { calls++ })
	})

	s.emit(Event{Kind: KindReady})
	s.emit(Event{Kind: KindEnd})

	assert.Equal(t, 1, calls)
}

func TestStream_ChannelDeliversOncePerEvent(t *testing.T) {
	s := newStream()
	ch := s.Channel(8)

	s.emit(fileEvent(KindAdd, "/repo/a.txt", nil))
	s.emit(Event{Kind: KindReady})
	s.shut()

	var kinds []Kind
	for e := range ch {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []Kind{KindAdd, KindReady}, kinds)
}

func TestStream_NoDeliveryAfterShut(t *testing.T) {
	s := newStream()
	rec := record(s)

	s.shut()
	s.emit(fileEvent(KindAdd, "/repo/a.txt", nil))

	assert.Empty(t, rec.Lines())
	assert.True(t, s.Closed())

	ch := s.Channel(1)
	_, open := <-ch
	require.False(t, open, "channel from a closed stream should be closed")
}

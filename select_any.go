package framepipe

import (
	"context"
	"reflect"
	"time"
)

// selectAny blocks until one of timerC, ctx.Done(), or any of chans fires,
// returning true only when one of chans fired first. The number of sources
// a Multiplexer fans in is only known at runtime, so a dynamic
// reflect.Select replaces what would otherwise be a fixed select statement.
func selectAny(ctx context.Context, timerC <-chan time.Time, chans []<-chan struct{}) bool {
	cases := make([]reflect.SelectCase, 0, len(chans)+2)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timerC)})
	for _, c := range chans {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c)})
	}
	chosen, _, _ := reflect.Select(cases)
	return chosen >= 2
}

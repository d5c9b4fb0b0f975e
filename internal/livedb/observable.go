package livedb

// Observable is the subscription contract shared by views and aggregation
// results.
//
// The subscriber immediately receives the current snapshot. After every
// completed mutation, onInvalidate is called before onNext delivers the new
// snapshot. onInvalidate may be nil.
type Observable[S any] interface {
	Subscribe(onNext func(S), onInvalidate func()) (unsubscribe func())
}

type subscriber[S any] struct {
	next       func(S)
	invalidate func()
}

// observers keeps subscribers in subscription order.
type observers[S any] struct {
	seq  uint64
	subs map[uint64]subscriber[S]
	ids  []uint64
}

func (o *observers[S]) subscribe(current S, next func(S), invalidate func()) func() {
	if o.subs == nil {
		o.subs = make(map[uint64]subscriber[S])
	}
	o.seq++
	id := o.seq
	o.subs[id] = subscriber[S]{next: next, invalidate: invalidate}
	o.ids = append(o.ids, id)
	next(current)
	return func() {
		if _, ok := o.subs[id]; !ok {
			return
		}
		delete(o.subs, id)
		for i, v := range o.ids {
			if v == id {
				o.ids = append(o.ids[:i], o.ids[i+1:]...)
				break
			}
		}
	}
}

func (o *observers[S]) publish(current S) {
	// Subscribers may unsubscribe while being notified.
	ids := append([]uint64(nil), o.ids...)
	for _, id := range ids {
		s, ok := o.subs[id]
		if !ok {
			continue
		}
		if s.invalidate != nil {
			s.invalidate()
		}
		s.next(current)
	}
}

func (o *observers[S]) len() int {
	return len(o.subs)
}

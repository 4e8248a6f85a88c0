package dslink

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRequesterRids(t *testing.T) {
	sender := &testSender{}
	requester := NewRequester(sender)
	assert.Equal(t, requester.NextRid(), 1)

	rid1, err := requester.List("/a", nil)
	assert.Equal(t, err, nil)
	rid2, _ := requester.Set("/a/b", PermissionWrite, 1)
	sid, _ := requester.Subscribe("/a/b", func(update *SubscriptionUpdate) {}, 0)
	rid3, _ := requester.Invoke("/a/act", PermissionRead, nil, nil)

	assert.Equal(t, rid1, 1)
	assert.Equal(t, rid2, 2)
	assert.Equal(t, sid, 1)
	// the subscribe request took rid 3
	assert.Equal(t, rid3, 4)

	requests := sender.requests()
	assert.Equal(t, len(requests), 4)
	for i, request := range requests {
		assert.Equal(t, request.Rid, i+1)
	}
	assert.Equal(t, requests[1].Permit, "write")
	assert.Equal(t, requests[2].Method, MethodSubscribe)
	assert.Equal(t, requests[2].Paths[0].Sid, 1)

	// rids keep counting after the connection state is cleared
	requester.ClearAll()
	assert.Equal(t, requester.Requests().Count(), 0)
	rid4, _ := requester.List("/a", nil)
	assert.Equal(t, rid4, 5)
}

func TestRequesterSendError(t *testing.T) {
	sendErr := errors.New("closed")
	sender := &testSender{err: sendErr}
	requester := NewRequester(sender)

	_, err := requester.List("/a", nil)
	assert.Equal(t, err, sendErr)
	assert.Equal(t, requester.Requests().Count(), 0)
}

func TestRequesterSubscriptionDedup(t *testing.T) {
	sender := &testSender{}
	requester := NewRequester(sender)

	updatesA := []*SubscriptionUpdate{}
	updatesB := []*SubscriptionUpdate{}
	sidA, err := requester.Subscribe("/x", func(update *SubscriptionUpdate) {
		updatesA = append(updatesA, update)
	}, 1)
	assert.Equal(t, err, nil)
	sidB, err := requester.Subscribe("/x", func(update *SubscriptionUpdate) {
		updatesB = append(updatesB, update)
	}, 1)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, sidA, sidB)

	// one wire subscription for the path
	requests := sender.requests()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].Paths[0].Path, "/x")
	realSid, ok := requester.Subscriptions().RealSid("/x")
	assert.Equal(t, ok, true)
	assert.Equal(t, realSid, sidA)
	assert.Equal(t, requester.Subscriptions().Count(), 1)
	assert.Equal(t, requester.Subscriptions().VirtualCount(), 2)

	requester.Process([]*Response{
		{
			Rid: ValueUpdateRid,
			Updates: []any{
				[]any{int64(realSid), int64(42), "2024-01-02T03:04:05.000+00:00"},
				map[string]any{"sid": int64(realSid), "value": 43.5, "ts": "2024-01-02T03:04:06.000+00:00", "count": int64(3), "sum": 10.0, "min": 1.0, "max": 5.0},
				[]any{int64(999), int64(1), "2024-01-02T03:04:05.000+00:00"},
				"garbage",
			},
		},
	})

	assert.Equal(t, len(updatesA), 2)
	assert.Equal(t, len(updatesB), 2)
	assert.Equal(t, updatesA[0].Sid, sidA)
	assert.Equal(t, updatesB[0].Sid, sidB)
	assert.Equal(t, updatesA[0].Path, "/x")
	assert.Equal(t, updatesA[0].Value, int64(42))
	assert.Equal(t, updatesA[0].Updated.IsZero(), false)
	assert.Equal(t, updatesA[1].Rollup, true)
	assert.Equal(t, updatesA[1].Count, 3)
	assert.Equal(t, updatesA[1].Max, 5.0)
	assert.Equal(t, updatesB[1].Value, 43.5)

	// the wire subscription stays while one subscriber is left
	assert.Equal(t, requester.Unsubscribe(sidA), nil)
	assert.Equal(t, len(sender.requests()), 0)
	requester.Process([]*Response{
		{Rid: ValueUpdateRid, Updates: []any{[]any{int64(realSid), int64(7), "2024-01-02T03:04:07.000+00:00"}}},
	})
	assert.Equal(t, len(updatesA), 2)
	assert.Equal(t, len(updatesB), 3)

	assert.Equal(t, requester.Unsubscribe(sidB), nil)
	requests = sender.requests()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].Method, MethodUnsubscribe)
	assert.Equal(t, requests[0].Sids, []int{realSid})
	assert.Equal(t, requester.Subscriptions().Count(), 0)

	err = requester.Unsubscribe(sidB)
	assert.Equal(t, errors.Is(err, ErrUnknownIdentifier), true)

	// a new subscription on the same path gets a new sid
	sidC, _ := requester.Subscribe("/x", func(update *SubscriptionUpdate) {}, 0)
	assert.Equal(t, sidC, sidB+1)
}

func TestRequesterList(t *testing.T) {
	sender := &testSender{}
	requester := NewRequester(sender)

	listResponses := []*ListResponse{}
	rid, _ := requester.List("/dev", func(response *ListResponse) {
		listResponses = append(listResponses, response)
	})

	requester.Process([]*Response{
		{
			Rid:    rid,
			Stream: StreamOpen,
			Updates: []any{
				[]any{"$is", "device"},
				[]any{"$name", "Device"},
				[]any{"@location", "lab"},
				[]any{"temp", map[string]any{"$is": "node", "$type": "number", "$writable": "write"}},
				[]any{"reboot", map[string]any{"$invokable": "config"}},
			},
		},
	})
	assert.Equal(t, len(listResponses), 1)
	node := listResponses[0].Node
	assert.Equal(t, node.Name, "dev")
	assert.Equal(t, node.Class(), "device")
	assert.Equal(t, node.Configs["name"], "Device")
	assert.Equal(t, node.Attributes["location"], "lab")
	assert.Equal(t, len(node.Children()), 2)
	assert.Equal(t, node.Child("temp").Path, "/dev/temp")
	writable, ok := node.Child("temp").Writable()
	assert.Equal(t, ok, true)
	assert.Equal(t, writable, PermissionWrite)
	invokable, ok := node.Child("reboot").Invokable()
	assert.Equal(t, ok, true)
	assert.Equal(t, invokable, PermissionConfig)

	requester.Process([]*Response{
		{
			Rid:    rid,
			Stream: StreamOpen,
			Updates: []any{
				map[string]any{"name": "reboot", "change": "remove"},
				map[string]any{"name": "@location", "change": "remove"},
				[]any{"$value", int64(3), "2024-01-02T03:04:05.000+00:00"},
			},
		},
	})
	assert.Equal(t, len(listResponses), 2)
	node = listResponses[1].Node
	assert.Equal(t, len(node.Children()), 1)
	assert.Equal(t, node.Child("reboot") == nil, true)
	_, ok = node.Attributes["location"]
	assert.Equal(t, ok, false)
	assert.Equal(t, node.Value.Raw, int64(3))

	assert.Equal(t, listResponses[1].Close(), nil)
	assert.Equal(t, requester.Requests().IsPending(rid), false)
	requests := sender.requests()
	assert.Equal(t, requests[len(requests)-1].Method, MethodClose)
	assert.Equal(t, requests[len(requests)-1].Rid, rid)

	// late fragments for a closed rid are dropped
	requester.Process([]*Response{
		{Rid: rid, Stream: StreamOpen, Updates: []any{[]any{"$x", 1}}},
	})
	assert.Equal(t, len(listResponses), 2)

	err := requester.Close(rid)
	assert.Equal(t, errors.Is(err, ErrUnknownIdentifier), true)
}

func TestRequesterInvoke(t *testing.T) {
	sender := &testSender{}
	requester := NewRequester(sender)

	invokeResponses := []*InvokeResponse{}
	rid, _ := requester.Invoke("/table", PermissionRead, map[string]any{"n": 2}, func(response *InvokeResponse) {
		invokeResponses = append(invokeResponses, response)
	})

	requests := sender.requests()
	assert.Equal(t, requests[0].Params, map[string]any{"n": 2})

	requester.Process([]*Response{
		{
			Rid:     rid,
			Stream:  StreamOpen,
			Columns: []any{map[string]any{"name": "a", "type": "number"}, map[string]any{"name": "b", "type": "string"}},
			Updates: []any{[]any{int64(1), "x"}, []any{int64(2), "y"}},
		},
	})
	requester.Process([]*Response{
		{
			Rid:     rid,
			Stream:  StreamOpen,
			Updates: []any{map[string]any{"b": "z", "a": int64(3)}},
			Meta:    map[string]any{"mode": "append"},
		},
	})
	assert.Equal(t, len(invokeResponses), 2)
	assert.Equal(t, invokeResponses[1].Mode, InvokeModeAppend)
	assert.Equal(t, invokeResponses[1].Rows, [][]any{{int64(1), "x"}, {int64(2), "y"}, {int64(3), "z"}})
	assert.Equal(t, invokeResponses[1].Updates, [][]any{{int64(3), "z"}})
	assert.Equal(t, invokeResponses[1].Columns[1].Name, "b")

	requester.Process([]*Response{
		{
			Rid:     rid,
			Stream:  StreamClosed,
			Updates: []any{[]any{int64(9), "q"}},
			Meta:    map[string]any{"mode": "refresh"},
		},
	})
	assert.Equal(t, len(invokeResponses), 3)
	assert.Equal(t, invokeResponses[2].Mode, InvokeModeRefresh)
	assert.Equal(t, invokeResponses[2].Rows, [][]any{{int64(9), "q"}})
	assert.Equal(t, invokeResponses[2].Closed(), true)
	// earlier snapshots are not changed
	assert.Equal(t, len(invokeResponses[1].Rows), 3)
	assert.Equal(t, requester.Requests().IsPending(rid), false)
}

func TestRequesterSetRemove(t *testing.T) {
	sender := &testSender{}
	requester := NewRequester(sender)

	rid, _ := requester.Set("/n", PermissionWrite, 5)
	ridRemove, _ := requester.Remove("/n/@x")
	assert.Equal(t, requester.Requests().Count(), 2)

	requester.Process([]*Response{
		{Rid: rid, Stream: StreamClosed},
		{Rid: ridRemove, Error: &ResponseError{Type: "permissionDenied", Msg: "no"}},
	})
	assert.Equal(t, requester.Requests().Count(), 0)

	requests := sender.requests()
	assert.Equal(t, requests[0].Value, 5)
	assert.Equal(t, requests[1].Method, MethodRemove)
	assert.Equal(t, requests[1].Path, "/n/@x")
}

func TestRequesterCallbackPanic(t *testing.T) {
	sender := &testSender{}
	requester := NewRequester(sender)

	calls := 0
	sid, _ := requester.Subscribe("/p", func(update *SubscriptionUpdate) {
		calls += 1
		panic("callback")
	}, 0)

	for range 2 {
		requester.Process([]*Response{
			{Rid: ValueUpdateRid, Updates: []any{[]any{int64(sid), int64(1)}}},
		})
	}
	assert.Equal(t, calls, 2)
}

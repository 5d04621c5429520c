package recipes

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	libzk "github.com/ensemblelabs/libzk-go"
	"github.com/ensemblelabs/libzk-go/proto"
)

// Barrier gates waiters on a node's data: nonempty data means the barrier
// is up. The node itself must already exist.
type Barrier struct {
	client *libzk.Client
	path   string
}

func NewBarrier(client *libzk.Client, path string) *Barrier {
	return &Barrier{client: client, path: client.NormalizePath(path)}
}

// Set raises the barrier.
func (b *Barrier) Set(ctx context.Context) error {
	_, err := b.client.SetData(ctx, b.path, []byte{0}, -1, libzk.WithAutoRetry())
	return err
}

// Clear lowers the barrier; WaitFor callers block until it is set again.
func (b *Barrier) Clear(ctx context.Context) error {
	_, err := b.client.SetData(ctx, b.path, nil, -1, libzk.WithAutoRetry())
	return err
}

// WaitFor blocks until the barrier is raised.
func (b *Barrier) WaitFor(ctx context.Context) error {
	for {
		data, _, watcher, err := b.client.GetDataW(ctx, b.path, libzk.WithAutoRetry())
		if err != nil {
			return err
		}
		if len(data) >= 1 {
			watcher.Remove()
			return nil
		}
		if _, err := watcher.Wait(ctx); err != nil {
			watcher.Remove()
			return err
		}
	}
}

// DoubleBarrier synchronizes a fixed-size group at an entry and an exit
// point. Members enter by creating ephemeral waiter nodes under the path;
// once the group is complete a ready node releases everyone, and leaving
// waits for the whole group to have left.
type DoubleBarrier struct {
	client *libzk.Client
	path   string
	length int

	readySignalPath string

	mu           sync.Mutex
	myWaiterPath string
}

func NewDoubleBarrier(client *libzk.Client, path string, length int) *DoubleBarrier {
	normalized := client.NormalizePath(path)
	return &DoubleBarrier{
		client:          client,
		path:            normalized,
		length:          length,
		readySignalPath: normalized + "/ready",
	}
}

// Enter blocks until length members have entered.
func (d *DoubleBarrier) Enter(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.myWaiterPath != "" {
		return ErrAlreadyLocked
	}
	myWaiterPath := d.path + "/" + uuid.New().String()

	for {
		stat, watcher, err := d.client.ExistsW(ctx, d.readySignalPath, libzk.WithAutoRetry())
		if err != nil {
			return err
		}

		_, err = d.client.Create(ctx, myWaiterPath, nil, proto.ModeEphemeral, nil, libzk.WithAutoRetry())
		if err != nil {
			if code, ok := proto.CodeOf(err); !ok || code != proto.CodeNodeExists {
				watcher.Remove()
				return err
			}
		}

		if stat != nil {
			watcher.Remove()
			break
		}

		children, err := d.client.GetChildren(ctx, d.path, libzk.WithAutoRetry())
		if err != nil {
			watcher.Remove()
			return err
		}
		if len(children) >= d.length {
			_, err := d.client.Create(ctx, d.readySignalPath, nil, proto.ModePersistent, nil, libzk.WithAutoRetry())
			if err != nil {
				if code, ok := proto.CodeOf(err); !ok || code != proto.CodeNodeExists {
					watcher.Remove()
					return err
				}
			}
			watcher.Remove()
			break
		}

		if _, err := watcher.Wait(ctx); err != nil {
			watcher.Remove()
			return err
		}
	}

	d.myWaiterPath = myWaiterPath
	return nil
}

// Leave blocks until every member has left, then clears the ready node.
func (d *DoubleBarrier) Leave(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.myWaiterPath == "" {
		return ErrNotLocked
	}

	readySignalName := d.readySignalPath[strings.LastIndex(d.readySignalPath, "/")+1:]
	myWaiterName := d.myWaiterPath[strings.LastIndex(d.myWaiterPath, "/")+1:]
	deleted := false
	var isLeft bool

	for {
		children, err := d.client.GetChildren(ctx, d.path, libzk.WithAutoRetry())
		if err != nil {
			return err
		}
		waiterNames := make([]string, 0, len(children))
		for _, child := range children {
			if child != readySignalName {
				waiterNames = append(waiterNames, child)
			}
		}
		sort.Strings(waiterNames)
		isLeft = len(waiterNames) == len(children)

		if deleted {
			if isLeft || len(waiterNames) == 0 {
				break
			}
			// Wait for the last stragglers.
			if err := d.waitForGone(ctx, waiterNames[0]); err != nil {
				return err
			}
			continue
		}

		if isLeft || len(waiterNames) == 1 {
			if err := d.deleteWaiter(ctx, d.myWaiterPath); err != nil {
				return err
			}
			break
		}

		if waiterNames[0] == myWaiterName {
			// Lowest waiter holds its node until everyone else has left.
			if err := d.waitForGone(ctx, waiterNames[len(waiterNames)-1]); err != nil {
				return err
			}
			continue
		}

		if err := d.deleteWaiter(ctx, d.myWaiterPath); err != nil {
			return err
		}
		deleted = true
	}

	if !isLeft {
		if err := d.deleteWaiter(ctx, d.readySignalPath); err != nil {
			return err
		}
	}

	d.myWaiterPath = ""
	return nil
}

func (d *DoubleBarrier) waitForGone(ctx context.Context, waiterName string) error {
	stat, watcher, err := d.client.ExistsW(ctx, d.path+"/"+waiterName, libzk.WithAutoRetry())
	if err != nil {
		return err
	}
	if stat == nil {
		watcher.Remove()
		return nil
	}
	if _, err := watcher.Wait(ctx); err != nil {
		watcher.Remove()
		return err
	}
	return nil
}

func (d *DoubleBarrier) deleteWaiter(ctx context.Context, path string) error {
	err := d.client.Delete(ctx, path, -1, libzk.WithAutoRetry())
	if err != nil {
		if code, ok := proto.CodeOf(err); ok && code == proto.CodeNoNode {
			return nil
		}
	}
	return err
}

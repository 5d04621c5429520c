package libzk

import (
	"context"
	"sort"
	"strings"

	"github.com/ensemblelabs/libzk-go/internal/session"
	"github.com/ensemblelabs/libzk-go/proto"
)

// NormalizePath collapses duplicate slashes, strips any trailing slash
// (except on the root), and roots relative paths under the configured
// prefix. Paths are normalized before they reach the engine.
func (c *Client) NormalizePath(path string) string {
	path = slashRuns.ReplaceAllString(path+"/", "/")
	if strings.HasPrefix(path, "/") {
		if path != "/" {
			path = path[:len(path)-1]
		}
		return path
	}
	return c.cfg.pathPrefix + path[:len(path)-1]
}

// CreateOp builds a create for inclusion in a Multi. A nil acl uses the
// client default.
func (c *Client) CreateOp(path string, data []byte, mode proto.CreateMode, acl []proto.ACL) proto.Op {
	if acl == nil {
		acl = c.cfg.defaultACL
	}
	return proto.Op{Code: proto.OpCreate, Request: &proto.CreateRequest{
		Path:  c.NormalizePath(path),
		Data:  data,
		ACL:   acl,
		Flags: mode,
	}}
}

// DeleteOp builds a delete for inclusion in a Multi. Version -1 matches any.
func (c *Client) DeleteOp(path string, version int32) proto.Op {
	return proto.Op{Code: proto.OpDelete, Request: &proto.DeleteRequest{
		Path:    c.NormalizePath(path),
		Version: version,
	}}
}

// SetDataOp builds a setData for inclusion in a Multi.
func (c *Client) SetDataOp(path string, data []byte, version int32) proto.Op {
	return proto.Op{Code: proto.OpSetData, Request: &proto.SetDataRequest{
		Path:    c.NormalizePath(path),
		Data:    data,
		Version: version,
	}}
}

// CheckOp builds a version check for inclusion in a Multi.
func (c *Client) CheckOp(path string, version int32) proto.Op {
	return proto.Op{Code: proto.OpCheck, Request: &proto.CheckVersionRequest{
		Path:    c.NormalizePath(path),
		Version: version,
	}}
}

// Create makes a node and returns its server-side path (which differs from
// the requested one for sequential modes).
func (c *Client) Create(ctx context.Context, path string, data []byte, mode proto.CreateMode,
	acl []proto.ACL, opts ...CallOption) (string, error) {
	o := applyCallOptions(opts)
	op := c.CreateOp(path, data, mode, acl)
	resp, err := c.session.Execute(ctx, op.Code, op.Request, o.autoRetry, nil, nil)
	if err != nil {
		return "", err
	}
	return resp.(*proto.CreateResponse).Path, nil
}

// Delete removes a node. Version -1 matches any version.
func (c *Client) Delete(ctx context.Context, path string, version int32, opts ...CallOption) error {
	o := applyCallOptions(opts)
	op := c.DeleteOp(path, version)
	_, err := c.session.Execute(ctx, op.Code, op.Request, o.autoRetry, nil, nil)
	return err
}

// Exists returns the node's stat, or nil when the node is absent.
func (c *Client) Exists(ctx context.Context, path string, opts ...CallOption) (*proto.Stat, error) {
	o := applyCallOptions(opts)
	request := &proto.ExistsRequest{Path: c.NormalizePath(path), Watch: false}
	resp, err := c.session.Execute(ctx, proto.OpExists, request, o.autoRetry,
		[]proto.ErrorCode{proto.CodeNoNode}, nil)
	if err != nil || resp == nil {
		return nil, err
	}
	return &resp.(*proto.ExistsResponse).Stat, nil
}

// ExistsW is Exists plus a watch. When the node exists a data watcher is
// installed; when it is absent an exist watcher is, so the next creation
// fires it. The watcher is installed from the operation's completion
// callback, which is what makes the table choice race-free against
// server-side state.
func (c *Client) ExistsW(ctx context.Context, path string, opts ...CallOption) (*proto.Stat, *Watcher, error) {
	o := applyCallOptions(opts)
	normalized := c.NormalizePath(path)

	var watcher *Watcher
	onCompleted := func(nonError proto.ErrorCode) {
		watcherType := WatchData
		if nonError == proto.CodeNoNode {
			watcherType = WatchExist
		}
		watcher = session.NewWatcher(watcherType, normalized)
		c.session.AddWatcher(watcher)
	}

	request := &proto.ExistsRequest{Path: normalized, Watch: true}
	resp, err := c.session.Execute(ctx, proto.OpExists, request, o.autoRetry,
		[]proto.ErrorCode{proto.CodeNoNode}, onCompleted)
	if err != nil {
		return nil, nil, err
	}
	if resp == nil {
		return nil, watcher, nil
	}
	return &resp.(*proto.ExistsResponse).Stat, watcher, nil
}

// GetData reads a node's data and stat.
func (c *Client) GetData(ctx context.Context, path string, opts ...CallOption) ([]byte, *proto.Stat, error) {
	o := applyCallOptions(opts)
	request := &proto.GetDataRequest{Path: c.NormalizePath(path), Watch: false}
	resp, err := c.session.Execute(ctx, proto.OpGetData, request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	r := resp.(*proto.GetDataResponse)
	return r.Data, &r.Stat, nil
}

// GetDataW is GetData plus a data watch.
func (c *Client) GetDataW(ctx context.Context, path string, opts ...CallOption) ([]byte, *proto.Stat, *Watcher, error) {
	o := applyCallOptions(opts)
	normalized := c.NormalizePath(path)

	var watcher *Watcher
	onCompleted := func(proto.ErrorCode) {
		watcher = session.NewWatcher(WatchData, normalized)
		c.session.AddWatcher(watcher)
	}

	request := &proto.GetDataRequest{Path: normalized, Watch: true}
	resp, err := c.session.Execute(ctx, proto.OpGetData, request, o.autoRetry, nil, onCompleted)
	if err != nil {
		return nil, nil, nil, err
	}
	r := resp.(*proto.GetDataResponse)
	return r.Data, &r.Stat, watcher, nil
}

// SetData writes a node's data. Version -1 matches any version.
func (c *Client) SetData(ctx context.Context, path string, data []byte, version int32,
	opts ...CallOption) (*proto.Stat, error) {
	o := applyCallOptions(opts)
	op := c.SetDataOp(path, data, version)
	resp, err := c.session.Execute(ctx, op.Code, op.Request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, err
	}
	return &resp.(*proto.SetDataResponse).Stat, nil
}

// GetChildren lists a node's children.
func (c *Client) GetChildren(ctx context.Context, path string, opts ...CallOption) ([]string, error) {
	o := applyCallOptions(opts)
	request := &proto.GetChildrenRequest{Path: c.NormalizePath(path), Watch: false}
	resp, err := c.session.Execute(ctx, proto.OpGetChildren, request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.GetChildrenResponse).Children, nil
}

// GetChildrenW is GetChildren plus a child watch.
func (c *Client) GetChildrenW(ctx context.Context, path string, opts ...CallOption) ([]string, *Watcher, error) {
	o := applyCallOptions(opts)
	normalized := c.NormalizePath(path)

	var watcher *Watcher
	onCompleted := func(proto.ErrorCode) {
		watcher = session.NewWatcher(WatchChild, normalized)
		c.session.AddWatcher(watcher)
	}

	request := &proto.GetChildrenRequest{Path: normalized, Watch: true}
	resp, err := c.session.Execute(ctx, proto.OpGetChildren, request, o.autoRetry, nil, onCompleted)
	if err != nil {
		return nil, nil, err
	}
	return resp.(*proto.GetChildrenResponse).Children, watcher, nil
}

// GetChildren2 lists children together with the node's stat.
func (c *Client) GetChildren2(ctx context.Context, path string, opts ...CallOption) ([]string, *proto.Stat, error) {
	o := applyCallOptions(opts)
	request := &proto.GetChildrenRequest{Path: c.NormalizePath(path), Watch: false}
	resp, err := c.session.Execute(ctx, proto.OpGetChildren2, request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	r := resp.(*proto.GetChildren2Response)
	return r.Children, &r.Stat, nil
}

// GetChildren2W is GetChildren2 plus a child watch.
func (c *Client) GetChildren2W(ctx context.Context, path string, opts ...CallOption) ([]string, *proto.Stat, *Watcher, error) {
	o := applyCallOptions(opts)
	normalized := c.NormalizePath(path)

	var watcher *Watcher
	onCompleted := func(proto.ErrorCode) {
		watcher = session.NewWatcher(WatchChild, normalized)
		c.session.AddWatcher(watcher)
	}

	request := &proto.GetChildrenRequest{Path: normalized, Watch: true}
	resp, err := c.session.Execute(ctx, proto.OpGetChildren2, request, o.autoRetry, nil, onCompleted)
	if err != nil {
		return nil, nil, nil, err
	}
	r := resp.(*proto.GetChildren2Response)
	return r.Children, &r.Stat, watcher, nil
}

// GetACL reads a node's ACL and stat.
func (c *Client) GetACL(ctx context.Context, path string, opts ...CallOption) ([]proto.ACL, *proto.Stat, error) {
	o := applyCallOptions(opts)
	request := &proto.GetACLRequest{Path: c.NormalizePath(path)}
	resp, err := c.session.Execute(ctx, proto.OpGetACL, request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	r := resp.(*proto.GetACLResponse)
	return r.ACL, &r.Stat, nil
}

// SetACL writes a node's ACL. A nil acl uses the client default.
func (c *Client) SetACL(ctx context.Context, path string, acl []proto.ACL, version int32,
	opts ...CallOption) (*proto.Stat, error) {
	o := applyCallOptions(opts)
	if acl == nil {
		acl = c.cfg.defaultACL
	}
	request := &proto.SetACLRequest{Path: c.NormalizePath(path), ACL: acl, Version: version}
	resp, err := c.session.Execute(ctx, proto.OpSetACL, request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, err
	}
	return &resp.(*proto.SetACLResponse).Stat, nil
}

// Sync flushes the leader/follower channel for the path's subtree.
func (c *Client) Sync(ctx context.Context, path string, opts ...CallOption) (string, error) {
	o := applyCallOptions(opts)
	request := &proto.SyncRequest{Path: c.NormalizePath(path)}
	resp, err := c.session.Execute(ctx, proto.OpSync, request, o.autoRetry, nil, nil)
	if err != nil {
		return "", err
	}
	return resp.(*proto.SyncResponse).Path, nil
}

// Check verifies a node's version without changing anything; most useful
// inside a Multi via CheckOp.
func (c *Client) Check(ctx context.Context, path string, version int32, opts ...CallOption) error {
	o := applyCallOptions(opts)
	op := c.CheckOp(path, version)
	_, err := c.session.Execute(ctx, op.Code, op.Request, o.autoRetry, nil, nil)
	return err
}

// Multi submits a transactional envelope: the ops all succeed or all fail.
func (c *Client) Multi(ctx context.Context, ops []proto.Op, opts ...CallOption) ([]proto.OpResult, error) {
	o := applyCallOptions(opts)
	request := &proto.MultiRequest{Ops: ops}
	resp, err := c.session.Execute(ctx, proto.OpMulti, request, o.autoRetry, nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.MultiResponse).Results, nil
}

// CreateRecursive creates the path and any missing ancestors, tolerating
// concurrent creators and deleters.
func (c *Client) CreateRecursive(ctx context.Context, path string) error {
	path = c.NormalizePath(path)
	if path == "/" {
		return nil
	}
	nodeNames := strings.Split(path[1:], "/")

	for {
		current := ""
		restart := false
		for _, name := range nodeNames {
			current += "/" + name
			_, err := c.Create(ctx, current, nil, proto.ModePersistent, nil, WithAutoRetry())
			if err == nil {
				continue
			}
			if code, ok := proto.CodeOf(err); ok {
				if code == proto.CodeNodeExists {
					continue
				}
				if code == proto.CodeNoNode {
					// An ancestor vanished underneath us; start over.
					restart = true
					break
				}
			}
			return err
		}
		if !restart {
			return nil
		}
	}
}

// DeleteRecursive deletes the path's subtree children-first, tolerating
// concurrent creators and deleters.
func (c *Client) DeleteRecursive(ctx context.Context, path string) error {
	path = c.NormalizePath(path)

	for {
		children, err := c.GetChildren(ctx, path, WithAutoRetry())
		if err != nil {
			if code, ok := proto.CodeOf(err); ok && code == proto.CodeNoNode {
				return nil
			}
			return err
		}

		sort.Strings(children)
		for _, child := range children {
			if err := c.DeleteRecursive(ctx, path+"/"+child); err != nil {
				return err
			}
		}

		err = c.Delete(ctx, path, -1, WithAutoRetry())
		if err == nil {
			return nil
		}
		if code, ok := proto.CodeOf(err); ok {
			if code == proto.CodeNotEmpty {
				continue // someone re-created a child; take another pass
			}
			if code == proto.CodeNoNode {
				return nil
			}
		}
		return err
	}
}

// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// DefaultBrowseDepth limits BrowseTree when no depth is given.
const DefaultBrowseDepth = 10

var objectsFolder = ua.NewNumericNodeID(0, id.ObjectsFolder)

// Browse lists the nodes referenced hierarchically from start. A nil or empty
// start browses the Objects folder.
func (c *Client) Browse(ctx context.Context, start *opc.NodeAddress) ([]opc.NodeAddress, error) {
	session, serverID, err := c.active("Browse")
	if err != nil {
		return nil, err
	}
	nid, err := c.startNode(serverID, start)
	if err != nil {
		return nil, err
	}
	refs, err := browseChildren(ctx, session, nid)
	if err != nil {
		return nil, c.failed(ctx, session, serverID, "Browse", start, err)
	}
	out := make([]opc.NodeAddress, 0, len(refs))
	for _, ref := range refs {
		out = append(out, nodeAddress(ref.NodeID.NodeID))
	}
	return out, nil
}

func (c *Client) startNode(serverID string, start *opc.NodeAddress) (*ua.NodeID, error) {
	if opc.IsRootAddress(start) {
		return objectsFolder, nil
	}
	ids, err := c.parseNodes(serverID, "Browse", []opc.NodeAddress{*start})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// BrowseTree walks the hierarchy below start level by level, at most maxDepth
// levels deep, and returns every node found once. Browse requests of a level
// run on a bounded worker pool.
func (c *Client) BrowseTree(ctx context.Context, start *opc.NodeAddress, maxDepth int) ([]opc.NodeAddress, error) {
	session, serverID, err := c.active("BrowseTree")
	if err != nil {
		return nil, err
	}
	root, err := c.startNode(serverID, start)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = DefaultBrowseDepth
	}

	pool := workerpool.New(c.browseWorkers)
	defer pool.StopWait()

	var (
		mu       sync.Mutex
		firstErr error
		found    []opc.NodeAddress
		next     []*ua.NodeID
	)
	visited := map[string]struct{}{root.String(): {}}
	level := []*ua.NodeID{root}
	started := time.Now()

	for depth := 0; depth < maxDepth && len(level) > 0; depth++ {
		var wg sync.WaitGroup
		next = nil
		for _, nid := range level {
			wg.Add(1)
			pool.Submit(func() {
				defer wg.Done()
				refs, err := browseChildren(ctx, session, nid)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					return
				}
				for _, ref := range refs {
					child := ref.NodeID.NodeID
					if _, seen := visited[child.String()]; seen {
						continue
					}
					visited[child.String()] = struct{}{}
					found = append(found, nodeAddress(child))
					if ref.NodeClass == ua.NodeClassObject || ref.NodeClass == ua.NodeClassVariable {
						next = append(next, child)
					}
				}
			})
		}
		wg.Wait()
		if firstErr != nil {
			return nil, c.failed(ctx, session, serverID, "BrowseTree", start, firstErr)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		level = next
	}

	c.log.Debugf("Browsed %d nodes on %s in %s", len(found), serverID, time.Since(started))
	return found, nil
}

// browseChildren returns the forward hierarchical references of nid,
// following continuation points until the server has sent all of them.
func browseChildren(ctx context.Context, session Session, nid *ua.NodeID) ([]*ua.ReferenceDescription, error) {
	req := &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nid,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassAll),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
	resp, err := session.Browse(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, errors.New("empty browse response")
	}
	result := resp.Results[0]

	var refs []*ua.ReferenceDescription
	for {
		if result.StatusCode != ua.StatusOK {
			return nil, result.StatusCode
		}
		for _, ref := range result.References {
			if ref != nil && ref.NodeID != nil && ref.NodeID.NodeID != nil {
				refs = append(refs, ref)
			}
		}
		if len(result.ContinuationPoint) == 0 {
			return refs, nil
		}
		next, err := session.BrowseNext(ctx, &ua.BrowseNextRequest{
			ContinuationPoints: [][]byte{result.ContinuationPoint},
		})
		if err != nil {
			return nil, err
		}
		if len(next.Results) == 0 {
			return nil, errors.New("empty browse next response")
		}
		result = next.Results[0]
	}
}

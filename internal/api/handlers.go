// Package api wires up the Gin HTTP router exposing the Write Pipeline
// (C7) and membership (C5) to clients.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ltransom/datacake/internal/cluster"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/pipeline"
	"github.com/ltransom/datacake/internal/storage"
)

// Keyspaces lists every keyspace name known so far and resolves one to its
// in-memory LWW state, used only for the Stats endpoint's diagnostics.
type Keyspaces interface {
	Names() []string
	Get(name string) *lww.Keyspace
}

// Handler holds all dependencies injected from main.
type Handler struct {
	pipeline   *pipeline.Pipeline
	membership *cluster.Membership
	keyspaces  Keyspaces
	selfID     string
}

// NewHandler creates a Handler.
func NewHandler(p *pipeline.Pipeline, m *cluster.Membership, kss Keyspaces, selfID string) *Handler {
	return &Handler{pipeline: p, membership: m, keyspaces: kss, selfID: selfID}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	// Public KV API — used by clients. Peer-to-peer traffic (replicate,
	// summary, key-set, fetch) travels over the separate gRPC service
	// (internal/transport/grpcrpc), not through this HTTP router.
	kv := r.Group("/kv/:ks")
	kv.GET("/:key", h.Get)
	kv.PUT("/:key", h.Put)
	kv.DELETE("/:key", h.Delete)
	kv.POST("/_bulk_get", h.GetMany)
	kv.POST("/_bulk_put", h.PutMany)
	kv.POST("/_bulk_del", h.DelMany)

	// Cluster management.
	clusterGroup := r.Group("/cluster")
	clusterGroup.POST("/join", h.Join)
	clusterGroup.POST("/leave", h.Leave)
	clusterGroup.GET("/nodes", h.ListNodes)

	r.GET("/healthz", h.Health)
	r.GET("/stats", h.Stats)
}

// ─── consistency parsing ──────────────────────────────────────────────────

var consistencyNames = map[string]cluster.Consistency{
	"none":         cluster.None,
	"one":          cluster.One,
	"local_quorum": cluster.LocalQuorum,
	"quorum":       cluster.Quorum,
	"each_quorum":  cluster.EachQuorum,
	"all":          cluster.All,
}

func parseConsistency(raw string) (cluster.Consistency, error) {
	if raw == "" {
		return cluster.Quorum, nil
	}
	c, ok := consistencyNames[raw]
	if !ok {
		return 0, errors.New("unknown consistency level " + strconv.Quote(raw))
	}
	return c, nil
}

func writeError(c *gin.Context, err error) {
	var consErr *cluster.ConsistencyError
	if errors.As(err, &consErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":     consErr.Error(),
			"required":  consErr.Required,
			"available": consErr.Available,
			"dc":        consErr.DC,
		})
		return
	}
	var storageErr *storage.StorageError
	if errors.As(err, &storageErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": storageErr.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// ─── Public KV handlers ───────────────────────────────────────────────────

type putBody struct {
	Payload     []byte `json:"payload"`
	Consistency string `json:"consistency"`
}

// Put handles PUT /kv/:ks/:key.
// Body: {"payload": "<base64>", "consistency": "quorum"}
func (h *Handler) Put(c *gin.Context) {
	ks := c.Param("ks")
	key, err := strconv.ParseUint(c.Param("key"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be a uint64"})
		return
	}

	var body putBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	consistency, err := parseConsistency(body.Consistency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.pipeline.Put(c.Request.Context(), ks, key, body.Payload, consistency); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// Get handles GET /kv/:ks/:key.
func (h *Handler) Get(c *gin.Context) {
	ks := c.Param("ks")
	key, err := strconv.ParseUint(c.Param("key"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be a uint64"})
		return
	}

	doc, ok, err := h.pipeline.Get(ks, key)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "payload": doc.Payload, "ts": doc.TS.String()})
}

type delBody struct {
	Consistency string `json:"consistency"`
}

// Delete handles DELETE /kv/:ks/:key.
func (h *Handler) Delete(c *gin.Context) {
	ks := c.Param("ks")
	key, err := strconv.ParseUint(c.Param("key"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be a uint64"})
		return
	}

	var body delBody
	_ = c.ShouldBindJSON(&body) // a body is optional; default consistency applies
	consistency, err := parseConsistency(body.Consistency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.pipeline.Del(c.Request.Context(), ks, key, consistency); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

// ─── Bulk handlers ──────────────────────────────────────────────────────────

type bulkItem struct {
	Key     uint64 `json:"key"`
	Payload []byte `json:"payload"`
}

type bulkMutateBody struct {
	Items       []bulkItem `json:"items"`
	Consistency string     `json:"consistency"`
}

// PutMany handles POST /kv/:ks/_bulk_put.
func (h *Handler) PutMany(c *gin.Context) {
	ks := c.Param("ks")
	var body bulkMutateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	consistency, err := parseConsistency(body.Consistency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	muts := make([]pipeline.Mutation, len(body.Items))
	for i, it := range body.Items {
		muts[i] = pipeline.Mutation{Key: it.Key, Payload: it.Payload}
	}

	out, err := h.pipeline.PutMany(c.Request.Context(), ks, muts, consistency)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bulkOutcomeJSON(out))
}

type bulkDelBody struct {
	Keys        []uint64 `json:"keys"`
	Consistency string   `json:"consistency"`
}

// DelMany handles POST /kv/:ks/_bulk_del.
func (h *Handler) DelMany(c *gin.Context) {
	ks := c.Param("ks")
	var body bulkDelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	consistency, err := parseConsistency(body.Consistency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	muts := make([]pipeline.Mutation, len(body.Keys))
	for i, k := range body.Keys {
		muts[i] = pipeline.Mutation{Key: k}
	}

	out, err := h.pipeline.DelMany(c.Request.Context(), ks, muts, consistency)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bulkOutcomeJSON(out))
}

func bulkOutcomeJSON(out pipeline.BulkOutcome) gin.H {
	failed := make([]gin.H, len(out.Failed))
	for i, f := range out.Failed {
		failed[i] = gin.H{"key": f.Key, "error": f.Err.Error()}
	}
	return gin.H{"committed": out.Committed, "stale": out.Stale, "failed": failed}
}

type getManyBody struct {
	Keys []uint64 `json:"keys"`
}

// GetMany handles POST /kv/:ks/_bulk_get.
func (h *Handler) GetMany(c *gin.Context) {
	ks := c.Param("ks")
	var body getManyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	docs, err := h.pipeline.GetMany(ks, body.Keys)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}

// ─── Cluster management handlers ───────────────────────────────────────────

// Join handles POST /cluster/join.
// Body: {"id": "<nodeID>", "addr": "<host:port>", "dc": "<tag>"}
func (h *Handler) Join(c *gin.Context) {
	var node cluster.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.membership.Join(node); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": node.ID})
}

// Leave handles POST /cluster/leave.
// Body: {"id": "<nodeID>"}
func (h *Handler) Leave(c *gin.Context) {
	var body struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.membership.Leave(body.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": body.ID})
}

// ListNodes handles GET /cluster/nodes.
func (h *Handler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.membership.All()})
}

// Health handles GET /healthz, used by load balancers and readiness probes.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":  h.selfID,
		"nodes": len(h.membership.Snapshot()),
	})
}

// keyspaceStats reports the entry count and maximum observed timestamp for
// one keyspace, read off its C3 fingerprint without touching C1.
type keyspaceStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	MaxTS   string `json:"max_ts"`
}

// Stats handles GET /stats: node id, live peer count, and a per-keyspace
// entry count — ambient operability, not a spec.md operation.
func (h *Handler) Stats(c *gin.Context) {
	names := h.keyspaces.Names()
	stats := make([]keyspaceStats, 0, len(names))
	for _, name := range names {
		fp := h.keyspaces.Get(name).Fingerprint()
		stats = append(stats, keyspaceStats{Name: name, Entries: fp.Count, MaxTS: fp.MaxTS.String()})
	}
	c.JSON(http.StatusOK, gin.H{
		"node":      h.selfID,
		"nodes":     len(h.membership.Snapshot()),
		"keyspaces": stats,
	})
}

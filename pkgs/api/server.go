// Package api serves the HTTP control surface.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/forkchoice"
	"github.com/harveybc/doin-core/pkgs/node"
	"github.com/harveybc/doin-core/pkgs/tasks"
)

// maxBlocksPerQuery caps /chain/blocks range queries.
const maxBlocksPerQuery = 50

// Server wraps the gin router around a node.
type Server struct {
	node   *node.Node
	router *gin.Engine
}

// NewServer builds the control surface for a node.
func NewServer(n *node.Node) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{node: n, router: gin.New()}
	s.router.Use(gin.Recovery())

	s.router.GET("/status", s.Status)
	s.router.GET("/chain/status", s.ChainStatus)
	s.router.GET("/chain/blocks", s.Blocks)
	s.router.GET("/chain/block/:index", s.BlockByIndex)
	s.router.POST("/tasks/claim", s.ClaimTask)
	s.router.POST("/tasks/complete", s.CompleteTask)
	s.router.GET("/peers", s.Peers)
	s.router.POST("/anchors/received", s.ReceivedAnchor)
	s.router.POST("/operator/clear-suspect", s.ClearSuspect)

	return s
}

// Run serves until the listener fails.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Infof("API server listening on %s", addr)
	return s.router.Run(addr)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Status reports the node mode and headline state.
func (s *Server) Status(c *gin.Context) {
	pending, claimed, completed, failed := s.node.Queue().Counts()
	c.JSON(http.StatusOK, gin.H{
		"mode":             string(s.node.Mode()),
		"peer_id":          s.node.Identity().PeerID(),
		"chain_height":     s.node.Store().Height(),
		"finalized_height": s.node.Store().FinalizedHeight(),
		"threshold":        s.node.Engine().Threshold(),
		"weighted_sum":     s.node.Engine().WeightedSum(),
		"pending_optimae":  s.node.Coordinator().InFlightCount(),
		"tasks": gin.H{
			"pending": pending, "claimed": claimed,
			"completed": completed, "failed": failed,
		},
		"total_minted": s.node.Ledger().TotalMinted(),
	})
}

// ChainStatus reports tip and finality info.
func (s *Server) ChainStatus(c *gin.Context) {
	store := s.node.Store()
	c.JSON(http.StatusOK, gin.H{
		"height":           store.Height(),
		"tip_hash":         store.TipHash(),
		"finalized_height": store.FinalizedHeight(),
		"fork_tips":        store.Tips(),
	})
}

// Blocks returns the canonical range [from, to], at most 50 blocks.
func (s *Server) Blocks(c *gin.Context) {
	from, err1 := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	to, err2 := strconv.ParseUint(c.DefaultQuery("to", "0"), 10, 64)
	if err1 != nil || err2 != nil || to < from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if to-from+1 > maxBlocksPerQuery {
		to = from + maxBlocksPerQuery - 1
	}
	c.JSON(http.StatusOK, gin.H{"blocks": s.node.Store().Range(from, to)})
}

// BlockByIndex returns one canonical block.
func (s *Server) BlockByIndex(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid index"})
		return
	}
	b, ok := s.node.Store().AtHeight(index)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}

type claimRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	PeerID string `json:"peer_id" binding:"required"`
}

// ClaimTask claims a pending task on behalf of a local evaluator
// process.
func (s *Server) ClaimTask(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claim := tasks.Claim{
		PeerID:      req.PeerID,
		BlockHeight: s.node.Store().Height(),
		Timestamp:   time.Now().Unix(),
	}
	if !s.node.Queue().ApplyClaim(req.TaskID, claim) {
		c.JSON(http.StatusConflict, gin.H{"error": "task not claimable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": req.TaskID, "claim": claim})
}

type completeRequest struct {
	TaskID     string `json:"task_id" binding:"required"`
	PeerID     string `json:"peer_id" binding:"required"`
	ResultHash string `json:"result_hash" binding:"required"`
}

// CompleteTask marks a claimed task completed.
func (s *Server) CompleteTask(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.node.Queue().Complete(req.TaskID, req.PeerID, req.ResultHash) {
		c.JSON(http.StatusConflict, gin.H{"error": "task not completable by this peer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": req.TaskID, "status": string(tasks.StatusCompleted)})
}

// Peers lists known consensus peers.
func (s *Server) Peers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.node.KnownPeers()})
}

// ReceivedAnchor ingests an anchor observed on the external ledger.
func (s *Server) ReceivedAnchor(c *gin.Context) {
	var anchor forkchoice.Anchor
	if err := c.ShouldBindJSON(&anchor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.node.HandleExternalAnchor(anchor)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ClearSuspect resets SUSPECT mode. Operator action.
func (s *Server) ClearSuspect(c *gin.Context) {
	s.node.ClearSuspect()
	c.JSON(http.StatusOK, gin.H{"mode": string(s.node.Mode())})
}

package agentkeys

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/events"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/labinventario/inventario/pkg/inventario/observability"
)

// InstallerFilename is the name the agent installer is served under
const InstallerFilename = "LabAgent-Setup.exe"

// Handler serves the admin-only agent key management API
type Handler struct {
	store         *GormStore
	logger        *slog.Logger
	metrics       *observability.Metrics
	events        events.Publisher
	installerPath string
}

// NewHandler creates a new agent key management handler
func NewHandler(store *GormStore, logger *slog.Logger, metrics *observability.Metrics, installerPath string) *Handler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Handler{store: store, logger: logger, metrics: metrics, events: events.Nop{}, installerPath: installerPath}
}

// WithEvents publishes key lifecycle changes to p
func (h *Handler) WithEvents(p events.Publisher) *Handler {
	if p != nil {
		h.events = p
	}
	return h
}

// LaboratoryRef is the short form of a laboratory embedded in key responses
type LaboratoryRef struct {
	ID   uint   `json:"id"`
	Name string `json:"nome"`
}

// CreatorRef is the short form of the user who issued a key
type CreatorRef struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AgentKeyResponse represents an agent key in responses. The secret is never included.
type AgentKeyResponse struct {
	ID               uint           `json:"id"`
	Name             string         `json:"name"`
	KeyPrefix        string         `json:"key_prefix"`
	LaboratoryID     *uint          `json:"laboratorio_id"`
	Laboratory       *LaboratoryRef `json:"laboratorio,omitempty"`
	Active           bool           `json:"active"`
	Version          *string        `json:"version"`
	LastUsedAt       *time.Time     `json:"last_used_at"`
	LastUsedIP       *string        `json:"last_used_ip"`
	LastUsedHostname *string        `json:"last_used_hostname"`
	CreatedByID      uint           `json:"created_by"`
	Creator          *CreatorRef    `json:"creator,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

func toAgentKeyResponse(key models.AgentAPIKey) AgentKeyResponse {
	resp := AgentKeyResponse{
		ID:               key.ID,
		Name:             key.Name,
		KeyPrefix:        key.KeyPrefix,
		LaboratoryID:     key.LaboratoryID,
		Active:           key.Active,
		Version:          key.Version,
		LastUsedAt:       key.LastUsedAt,
		LastUsedIP:       key.LastUsedIP,
		LastUsedHostname: key.LastUsedHostname,
		CreatedByID:      key.CreatedByID,
		CreatedAt:        key.CreatedAt,
	}
	if key.Laboratory != nil {
		resp.Laboratory = &LaboratoryRef{ID: key.Laboratory.ID, Name: key.Laboratory.Name}
	}
	if key.CreatedBy != nil {
		resp.Creator = &CreatorRef{ID: key.CreatedBy.ID, Name: key.CreatedBy.Name, Email: key.CreatedBy.Email}
	}
	return resp
}

// CreateAgentKeyRequest represents a request to issue an agent key
type CreateAgentKeyRequest struct {
	Name         string  `json:"name" binding:"required,max=255"`
	LaboratoryID *uint   `json:"laboratorio_id"`
	Version      *string `json:"version" binding:"omitempty,max=50"`
}

// CreateAgentKeyResponse includes the secret, which is only shown once
type CreateAgentKeyResponse struct {
	AgentKey AgentKeyResponse `json:"agent_key"`
	APIKey   string           `json:"api_key"`
}

// BulkRevokeRequest lists the keys to deactivate
type BulkRevokeRequest struct {
	IDs []uint `json:"ids" binding:"required,min=1"`
}

func validationError(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Dados inválidos", "details": err.Error()})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ID inválido"})
		return 0, false
	}
	return uint(id), true
}

// List returns all agent keys, newest first
func (h *Handler) List(c *gin.Context) {
	keys, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list agent keys", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao listar agentes"})
		return
	}

	responses := make([]AgentKeyResponse, len(keys))
	for i, key := range keys {
		responses[i] = toAgentKeyResponse(key)
	}
	c.JSON(http.StatusOK, responses)
}

// Create issues a new agent key for the authenticated admin
func (h *Handler) Create(c *gin.Context) {
	var req CreateAgentKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}

	userID, _ := auth.GetUserID(c)
	ctx := c.Request.Context()
	key, secret, err := h.store.Issue(ctx, IssueParams{
		Name:         req.Name,
		LaboratoryID: req.LaboratoryID,
		Version:      req.Version,
		CreatedByID:  userID,
	})
	switch {
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrLaboratoryNotFound):
		validationError(c, err)
		return
	case err != nil:
		h.logger.Error("issue agent key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao gerar API Key"})
		return
	}

	h.metrics.RecordKeyEvent(observability.KeyEventIssued, 1)
	h.logger.Info("agent key issued", "agent_key_id", key.ID, "key_prefix", key.KeyPrefix, "created_by", userID)
	events.Emit(ctx, h.events, h.logger, events.New(events.TypeAgentKeyIssued, gin.H{
		"id":             key.ID,
		"key_prefix":     key.KeyPrefix,
		"laboratorio_id": key.LaboratoryID,
		"created_by":     userID,
	}))

	// reload so the response carries lab and creator
	if loaded, err := h.store.Get(ctx, key.ID); err == nil {
		key = loaded
	}

	c.JSON(http.StatusCreated, CreateAgentKeyResponse{
		AgentKey: toAgentKeyResponse(*key),
		APIKey:   secret,
	})
}

// Revoke deactivates an agent key
func (h *Handler) Revoke(c *gin.Context) {
	h.setActive(c, false)
}

// Reactivate re-enables a revoked agent key
func (h *Handler) Reactivate(c *gin.Context) {
	h.setActive(c, true)
}

func (h *Handler) setActive(c *gin.Context, active bool) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	key, err := h.store.SetActive(c.Request.Context(), id, active)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API Key não encontrada"})
		return
	}
	if err != nil {
		h.logger.Error("update agent key", "agent_key_id", id, "active", active, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao atualizar API Key"})
		return
	}

	event, eventType, message := observability.KeyEventRevoked, events.TypeAgentKeyRevoked, "API Key desativada com sucesso"
	if active {
		event, eventType, message = observability.KeyEventReactivated, events.TypeAgentKeyReactivated, "API Key reativada com sucesso"
	}
	h.metrics.RecordKeyEvent(event, 1)
	h.logger.Info("agent key "+event, "agent_key_id", key.ID, "key_prefix", key.KeyPrefix)
	events.Emit(c.Request.Context(), h.events, h.logger, events.New(eventType, gin.H{
		"ids": []uint{key.ID},
	}))

	c.JSON(http.StatusOK, gin.H{"message": message})
}

// BulkRevoke deactivates several agent keys at once
func (h *Handler) BulkRevoke(c *gin.Context) {
	var req BulkRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}

	count, err := h.store.BulkRevoke(c.Request.Context(), req.IDs)
	if errors.Is(err, ErrKeyNotFound) {
		validationError(c, err)
		return
	}
	if err != nil {
		h.logger.Error("bulk revoke agent keys", "ids", req.IDs, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao desativar agentes"})
		return
	}

	h.metrics.RecordKeyEvent(observability.KeyEventRevoked, count)
	h.logger.Info("agent keys revoked", "count", count)
	events.Emit(c.Request.Context(), h.events, h.logger, events.New(events.TypeAgentKeyRevoked, gin.H{
		"ids": req.IDs,
	}))

	c.JSON(http.StatusOK, gin.H{
		"message":           fmt.Sprintf("%d agente(s) desativado(s) com sucesso.", count),
		"deactivated_count": count,
	})
}

// Download serves the agent installer
func (h *Handler) Download(c *gin.Context) {
	info, err := os.Stat(h.installerPath)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Agente não disponível para download",
			"message": "O instalador do agente ainda não foi publicado neste servidor.",
		})
		return
	}
	c.FileAttachment(h.installerPath, InstallerFilename)
}

// RegisterRoutes registers agent key management routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.GET("/download", h.Download)
	rg.POST("/bulk-destroy", h.BulkRevoke)
	rg.DELETE("/:id", h.Revoke)
	rg.POST("/:id/reactivate", h.Reactivate)
}

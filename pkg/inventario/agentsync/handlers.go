// Package agentsync receives inventory snapshots from lab agents. Every route
// here sits behind agentkeys.AuthMiddleware.
package agentsync

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labinventario/inventario/pkg/inventario/agentkeys"
	"github.com/labinventario/inventario/pkg/inventario/events"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/labinventario/inventario/pkg/inventario/observability"
	"gorm.io/gorm"
)

// Sync operations, used as metric labels
const (
	OpSyncEquipment         = "sync-equipamento"
	OpSyncSoftware          = "sync-softwares"
	OpSyncEquipmentSoftware = "sync-equipamento-softwares"
)

// Outcomes of an equipment sync
const (
	ActionCreated  = "created"
	ActionRestored = "restored"
	ActionUpdated  = "updated"
)

// DefaultAgentVersion is recorded on equipment when the key carries no version
const DefaultAgentVersion = "1.0"

// Handler handles agent sync requests
type Handler struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *observability.Metrics
	events  events.Publisher
	now     func() time.Time
}

// NewHandler creates a new agent sync handler
func NewHandler(db *gorm.DB, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Handler{db: db, logger: logger, metrics: metrics, events: events.Nop{}, now: time.Now}
}

// WithEvents publishes sync results to p
func (h *Handler) WithEvents(p events.Publisher) *Handler {
	if p != nil {
		h.events = p
	}
	return h
}

func agentKeyID(c *gin.Context) uint {
	if key, ok := agentkeys.GetAgentKey(c); ok {
		return key.ID
	}
	return 0
}

// SyncEquipmentRequest is the hardware snapshot an agent reports
type SyncEquipmentRequest struct {
	Hostname     string   `json:"hostname" binding:"required"`
	SerialNumber *string  `json:"numero_serie"`
	Manufacturer *string  `json:"fabricante"`
	Model        *string  `json:"modelo"`
	Processor    *string  `json:"processador"`
	RAM          *string  `json:"memoria_ram"`
	Disk         *string  `json:"disco"`
	LocalIP      *string  `json:"ip_local"`
	MACAddress   *string  `json:"mac_address"`
	Gateway      *string  `json:"gateway"`
	DNSServers   []string `json:"dns_servers"`
	LaboratoryID uint     `json:"laboratorio_id" binding:"required"`
	DataHash     string   `json:"dados_hash" binding:"required"`
}

// SyncEquipmentResponse reports what happened to the equipment row
type SyncEquipmentResponse struct {
	EquipmentID uint   `json:"equipamento_id"`
	Action      string `json:"action"`
}

// SoftwareItem is one installed program reported by an agent
type SoftwareItem struct {
	Name         string  `json:"nome" binding:"required"`
	Version      *string `json:"versao"`
	Manufacturer *string `json:"fabricante"`
	InstalledOn  *string `json:"data_instalacao" binding:"omitempty,datetime=2006-01-02"`
	LicenseKey   *string `json:"chave_licenca"`
}

// SyncSoftwareRequest is the software list an agent reports
type SyncSoftwareRequest struct {
	Software []SoftwareItem `json:"softwares" binding:"required,min=1,dive"`
}

// SyncSoftwareResponse lists the ids of the upserted software, in request order
type SyncSoftwareResponse struct {
	SoftwareIDs []uint `json:"software_ids"`
	Total       int    `json:"total"`
}

// SyncEquipmentSoftwareRequest links an equipment to its installed software
type SyncEquipmentSoftwareRequest struct {
	EquipmentID uint   `json:"equipamento_id" binding:"required"`
	SoftwareIDs []uint `json:"software_ids" binding:"required,min=1"`
}

func validationError(c *gin.Context, details string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Dados inválidos", "details": details})
}

func present(s *string) bool {
	return s != nil && *s != ""
}

// agentVersion returns the version of the key that authenticated the request
func agentVersion(c *gin.Context) string {
	if key, ok := agentkeys.GetAgentKey(c); ok && key.Version != nil && *key.Version != "" {
		return *key.Version
	}
	return DefaultAgentVersion
}

// SyncEquipment creates or refreshes the equipment row for the reporting machine.
// Existing rows are matched by serial number, then MAC address, including
// soft-deleted ones, which are restored.
func (h *Handler) SyncEquipment(c *gin.Context) {
	var req SyncEquipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}

	db := h.db.WithContext(c.Request.Context())

	var labCount int64
	if err := db.Model(&models.Laboratory{}).Where("id = ?", req.LaboratoryID).Count(&labCount).Error; err != nil {
		h.logger.Error("check laboratory", "laboratorio_id", req.LaboratoryID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao sincronizar equipamento"})
		return
	}
	if labCount == 0 {
		validationError(c, "laboratorio_id não encontrado")
		return
	}

	version := agentVersion(c)
	var equipment models.Equipment
	var action string

	err := db.Transaction(func(tx *gorm.DB) error {
		found, err := findEquipment(tx, req)
		if err != nil {
			return err
		}

		if found == nil {
			equipment = models.Equipment{}
			h.apply(&equipment, req, version)
			if err := tx.Create(&equipment).Error; err != nil {
				return err
			}
			action = ActionCreated
			return nil
		}

		equipment = *found
		restored := equipment.DeletedAt.Valid
		changed := equipment.DataHash == nil || *equipment.DataHash != req.DataHash

		action = ActionUpdated
		if restored {
			action = ActionRestored
			equipment.DeletedAt = gorm.DeletedAt{}
		}
		if !restored && !changed {
			return nil
		}

		h.apply(&equipment, req, version)
		return tx.Unscoped().Save(&equipment).Error
	})
	if err != nil {
		h.logger.Error("sync equipment", "hostname", req.Hostname, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao sincronizar equipamento"})
		return
	}

	h.metrics.RecordAgentSync(OpSyncEquipment, action)
	h.logger.Info("equipment synced", "equipamento_id", equipment.ID, "action", action, "hostname", req.Hostname)
	events.Emit(c.Request.Context(), h.events, h.logger, events.New(events.TypeEquipmentSynced, gin.H{
		"equipamento_id": equipment.ID,
		"laboratorio_id": equipment.LaboratoryID,
		"hostname":       req.Hostname,
		"action":         action,
		"agent_key_id":   agentKeyID(c),
	}))

	c.JSON(http.StatusOK, SyncEquipmentResponse{EquipmentID: equipment.ID, Action: action})
}

func findEquipment(tx *gorm.DB, req SyncEquipmentRequest) (*models.Equipment, error) {
	lookups := []struct {
		column string
		value  *string
	}{
		{"numero_serie", req.SerialNumber},
		{"mac_address", req.MACAddress},
	}

	for _, l := range lookups {
		if !present(l.value) {
			continue
		}
		var equipment models.Equipment
		err := tx.Unscoped().Where(l.column+" = ?", *l.value).First(&equipment).Error
		if err == nil {
			return &equipment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (h *Handler) apply(e *models.Equipment, req SyncEquipmentRequest, version string) {
	now := h.now()
	hostname := req.Hostname
	hash := req.DataHash

	e.Name = req.Hostname
	e.Hostname = &hostname
	e.Type = "computador"
	e.Manufacturer = req.Manufacturer
	e.Model = req.Model
	e.SerialNumber = req.SerialNumber
	e.Processor = req.Processor
	e.RAM = req.RAM
	e.Disk = req.Disk
	e.LocalIP = req.LocalIP
	e.MACAddress = req.MACAddress
	e.Gateway = req.Gateway
	e.DNSServers = req.DNSServers
	e.LaboratoryID = req.LaboratoryID
	e.State = models.EquipmentStateInUse
	e.ManagedByAgent = true
	e.AgentVersion = &version
	e.LastSyncAt = &now
	e.DataHash = &hash
}

// SyncSoftware upserts each reported program by name and version
func (h *Handler) SyncSoftware(c *gin.Context) {
	var req SyncSoftwareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}

	ids := make([]uint, 0, len(req.Software))
	created, restored := 0, 0

	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		for _, item := range req.Software {
			software, action, err := upsertSoftware(tx, item)
			if err != nil {
				return err
			}
			switch action {
			case ActionCreated:
				created++
			case ActionRestored:
				restored++
			}
			ids = append(ids, software.ID)
		}
		return nil
	})
	if err != nil {
		h.logger.Error("sync software", "count", len(req.Software), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao sincronizar softwares"})
		return
	}

	h.metrics.RecordAgentSync(OpSyncSoftware, ActionUpdated)
	h.logger.Info("software synced", "total", len(ids), "created", created, "restored", restored)
	events.Emit(c.Request.Context(), h.events, h.logger, events.New(events.TypeSoftwareSynced, gin.H{
		"software_ids": ids,
		"created":      created,
		"restored":     restored,
		"agent_key_id": agentKeyID(c),
	}))

	c.JSON(http.StatusOK, SyncSoftwareResponse{SoftwareIDs: ids, Total: len(ids)})
}

func upsertSoftware(tx *gorm.DB, item SoftwareItem) (*models.Software, string, error) {
	query := tx.Unscoped().Where("nome = ?", item.Name)
	if item.Version == nil {
		query = query.Where("versao IS NULL")
	} else {
		query = query.Where("versao = ?", *item.Version)
	}

	var software models.Software
	err := query.First(&software).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		software = models.Software{
			Name:            item.Name,
			Version:         item.Version,
			Manufacturer:    item.Manufacturer,
			InstalledOn:     item.InstalledOn,
			LicenseKey:      item.LicenseKey,
			LicenseType:     models.LicenseProprietary,
			DetectedByAgent: true,
		}
		if err := tx.Create(&software).Error; err != nil {
			return nil, "", err
		}
		return &software, ActionCreated, nil
	}
	if err != nil {
		return nil, "", err
	}

	action := ActionUpdated
	if software.DeletedAt.Valid {
		software.DeletedAt = gorm.DeletedAt{}
		action = ActionRestored
	}
	// only overwrite what the agent actually reported
	if item.Manufacturer != nil {
		software.Manufacturer = item.Manufacturer
	}
	if item.InstalledOn != nil {
		software.InstalledOn = item.InstalledOn
	}
	if item.LicenseKey != nil {
		software.LicenseKey = item.LicenseKey
	}
	software.DetectedByAgent = true

	if err := tx.Unscoped().Save(&software).Error; err != nil {
		return nil, "", err
	}
	return &software, action, nil
}

// SyncEquipmentSoftware replaces the equipment's software list with the given ids
func (h *Handler) SyncEquipmentSoftware(c *gin.Context) {
	var req SyncEquipmentSoftwareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}

	db := h.db.WithContext(c.Request.Context())

	var equipment models.Equipment
	if err := db.First(&equipment, req.EquipmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			validationError(c, "equipamento_id não encontrado")
			return
		}
		h.logger.Error("load equipment", "equipamento_id", req.EquipmentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao sincronizar softwares"})
		return
	}

	software := make([]models.Software, 0, len(req.SoftwareIDs))
	if len(req.SoftwareIDs) > 0 {
		if err := db.Where("id IN ?", req.SoftwareIDs).Find(&software).Error; err != nil {
			h.logger.Error("load software", "equipamento_id", req.EquipmentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao sincronizar softwares"})
			return
		}
		if len(software) != countDistinct(req.SoftwareIDs) {
			validationError(c, "software_ids contém softwares inexistentes")
			return
		}
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&equipment).Association("Software").Replace(software)
	})
	if err != nil {
		h.logger.Error("replace equipment software", "equipamento_id", equipment.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao sincronizar softwares"})
		return
	}

	h.metrics.RecordAgentSync(OpSyncEquipmentSoftware, ActionUpdated)
	h.logger.Info("equipment software synced", "equipamento_id", equipment.ID, "total", len(req.SoftwareIDs))
	events.Emit(c.Request.Context(), h.events, h.logger, events.New(events.TypeEquipmentSoftwareSynced, gin.H{
		"equipamento_id": equipment.ID,
		"software_ids":   req.SoftwareIDs,
		"agent_key_id":   agentKeyID(c),
	}))

	c.JSON(http.StatusOK, gin.H{
		"message":         "Softwares sincronizados com sucesso",
		"total_softwares": len(req.SoftwareIDs),
	})
}

func countDistinct(ids []uint) int {
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// RegisterRoutes registers agent sync routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sync-equipamento", h.SyncEquipment)
	rg.POST("/sync-softwares", h.SyncSoftware)
	rg.POST("/sync-equipamento-softwares", h.SyncEquipmentSoftware)
}

package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pb-catalog/config"
	"pb-catalog/models"
	"pb-catalog/pbfile"
	"pb-catalog/services"
	"pb-catalog/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	filesIngestedCounter prometheus.Counter
	refreshRunsCounter   prometheus.Counter
	ingestErrorsCounter  prometheus.Counter
)

func init() {
	filesIngestedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pb_files_ingested_total",
			Help: "Total number of PB file versions ingested.",
		},
	)
	refreshRunsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pb_refresh_runs_total",
			Help: "Total number of completed batch refresh runs.",
		},
	)
	ingestErrorsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pb_ingest_errors_total",
			Help: "Total number of failed ingest attempts.",
		},
	)
	prometheus.MustRegister(filesIngestedCounter, refreshRunsCounter, ingestErrorsCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to catalog database.")

	if err := db.AutoMigrate(
		&models.PBFile{},
		&models.PBComment{},
		&models.PBCategory{},
		&models.PBTarget{},
		&models.RefreshState{},
	); err != nil {
		logging.Fatal("Migration failed", zap.Error(err))
	}

	// Setup Services
	store, err := storage.NewFileStore(cfg.PBFilesDir, cfg.PBArchiveDir)
	if err != nil {
		logging.Fatal("File store setup failed", zap.Error(err))
	}
	ingestService := services.NewIngestService(cfg, db, store, logging)
	catalogService := services.NewCatalogService(db, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = cfg.MaxUploadBytes
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupTileRoutes(router, catalogService, logging)
	setupCommentRoutes(router, catalogService, logging)
	setupStatisticsRoutes(router, catalogService, logging)
	setupDownloadRoutes(router, catalogService, logging)
	setupValidateRoutes(router, logging)
	setupAdminRoutes(router, cfg, ingestService, catalogService, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled refresh job...")
		summary, err := ingestService.Refresh(false)
		if err != nil {
			logging.Error("Cron refresh failed", zap.Error(err))
		} else {
			logging.Info("Cron refresh completed",
				zap.Int("processed", summary.Processed),
				zap.Int("skipped", summary.Skipped),
				zap.Int("failed", summary.Failed))
			refreshRunsCounter.Inc()
			filesIngestedCounter.Add(float64(summary.Processed))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupTileRoutes(router *gin.Engine, catalog *services.CatalogService, log *zap.Logger) {
	rg := router.Group("/tiles")

	// Alle Current-Kacheln, sortiert nach Quality
	rg.GET("/", func(c *gin.Context) {
		tiles, err := catalog.Tiles()
		if err != nil {
			log.Error("Tile query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, tiles)
	})

	// Body-gesteuerter Endpunkt für gefilterte Abfragen
	rg.POST("/query", func(c *gin.Context) {
		type TileQuery struct {
			Country     string `json:"country"`
			Year        *int   `json:"year"`
			VoteType    string `json:"vote_type"`
			FullyFunded *bool  `json:"fully_funded"`
			HasGeo      *bool  `json:"has_geo"`
			Search      string `json:"search"`
			Limit       int    `json:"limit"`
		}

		var req TileQuery
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		tiles, err := catalog.Tiles()
		if err != nil {
			log.Error("Tile query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		out := make([]services.TileView, 0, len(tiles))
		search := strings.ToLower(strings.TrimSpace(req.Search))
		for _, t := range tiles {
			if req.Country != "" && !strings.EqualFold(t.Country, req.Country) {
				continue
			}
			if req.Year != nil && (t.Year == nil || *t.Year != *req.Year) {
				continue
			}
			if req.VoteType != "" && !strings.EqualFold(t.VoteType, req.VoteType) {
				continue
			}
			if req.FullyFunded != nil && t.FullyFunded != *req.FullyFunded {
				continue
			}
			if req.HasGeo != nil && t.HasGeo != *req.HasGeo {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(t.Title), search) &&
				!strings.Contains(strings.ToLower(t.Description), search) {
				continue
			}
			out = append(out, t)
			if req.Limit > 0 && len(out) >= req.Limit {
				break
			}
		}
		c.JSON(http.StatusOK, out)
	})
}

func setupCommentRoutes(router *gin.Engine, catalog *services.CatalogService, log *zap.Logger) {
	rg := router.Group("/comments")
	rg.GET("/", func(c *gin.Context) {
		level := c.DefaultQuery("level", "country")
		groups, err := catalog.Comments(level)
		if err != nil {
			log.Error("Comment query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, groups)
	})
}

func setupStatisticsRoutes(router *gin.Engine, catalog *services.CatalogService, log *zap.Logger) {
	rg := router.Group("/statistics")
	rg.GET("/", func(c *gin.Context) {
		stats, err := catalog.Stats()
		if err != nil {
			log.Error("Statistics query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

func setupDownloadRoutes(router *gin.Engine, catalog *services.CatalogService, log *zap.Logger) {
	rg := router.Group("/download")
	rg.GET("/:filename", func(c *gin.Context) {
		name := c.Param("filename")
		if !storage.IsSafeFileName(name) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
			return
		}
		path, err := catalog.CurrentFilePath(name)
		if err != nil {
			if errors.Is(err, services.ErrNotCurrent) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			log.Error("Download lookup failed", zap.String("file", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.FileAttachment(path, name)
	})
}

func setupAdminRoutes(router *gin.Engine, cfg *config.Config, ingest *services.IngestService, catalog *services.CatalogService, log *zap.Logger) {
	rg := router.Group("/admin")
	rg.Use(apiKeyAuthMiddleware(cfg))

	// Multipart-Upload, Zwei-Phasen-Bestätigung über confirm=true
	rg.POST("/ingest", func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		if fh.Size > cfg.MaxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		name := filepath.Base(fh.Filename)
		if !storage.IsSafeFileName(name) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
			return
		}

		tmpDir, err := os.MkdirTemp("", "pb-upload-")
		if err != nil {
			log.Error("Tempdir creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
		defer os.RemoveAll(tmpDir)

		tmpPath := filepath.Join(tmpDir, name)
		if err := c.SaveUploadedFile(fh, tmpPath); err != nil {
			log.Error("Upload save failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
		if !storage.IsProbablyTextFile(tmpPath) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file does not look like a text .pb file"})
			return
		}

		confirm := c.Query("confirm") == "true" || c.PostForm("confirm") == "true"
		result, err := ingest.Ingest(tmpPath, confirm)
		if err != nil {
			var pe *services.ParseError
			if errors.As(err, &pe) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": pe.Error()})
				return
			}
			ingestErrorsCounter.Inc()
			log.Error("Ingest failed", zap.String("file", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
			return
		}
		if result.RequiresConfirm {
			c.JSON(http.StatusConflict, result)
			return
		}
		filesIngestedCounter.Inc()
		c.JSON(http.StatusCreated, result)
	})

	// Bestätigte Inhalts-Ersetzung unter Beibehaltung des Dateinamens
	rg.POST("/replace/:filename", func(c *gin.Context) {
		name := c.Param("filename")
		if !storage.IsSafeFileName(name) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
			return
		}
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		if fh.Size > cfg.MaxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}

		tmpDir, err := os.MkdirTemp("", "pb-upload-")
		if err != nil {
			log.Error("Tempdir creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
		defer os.RemoveAll(tmpDir)

		tmpPath := filepath.Join(tmpDir, name)
		if err := c.SaveUploadedFile(fh, tmpPath); err != nil {
			log.Error("Upload save failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
		if !storage.IsProbablyTextFile(tmpPath) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file does not look like a text .pb file"})
			return
		}

		result, err := ingest.Replace(name, tmpPath)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			var pe *services.ParseError
			if errors.As(err, &pe) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": pe.Error()})
				return
			}
			ingestErrorsCounter.Inc()
			log.Error("Replace failed", zap.String("file", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "replace failed"})
			return
		}
		filesIngestedCounter.Inc()
		c.JSON(http.StatusOK, result)
	})

	rg.DELETE("/files/:webpageName", func(c *gin.Context) {
		name := c.Param("webpageName")
		count, err := ingest.Delete(name)
		if err != nil {
			log.Error("Delete failed", zap.String("webpage_name", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		if count == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no current files for identity"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": count})
	})

	// Asynchroner Batch-Refresh, ?full=true erzwingt Re-Parse aller Dateien
	rg.POST("/refresh", func(c *gin.Context) {
		full := c.Query("full") == "true"
		go func() {
			summary, err := ingest.Refresh(full)
			if err != nil {
				log.Error("Async refresh failed", zap.Error(err))
			} else {
				refreshRunsCounter.Inc()
				filesIngestedCounter.Add(float64(summary.Processed))
				log.Info("Async refresh completed",
					zap.Int("processed", summary.Processed),
					zap.Int("skipped", summary.Skipped),
					zap.Int("failed", summary.Failed))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": fmt.Sprintf("Refresh triggered (full=%v).", full)})
	})

	rg.GET("/files", func(c *gin.Context) {
		currentOnly := c.DefaultQuery("current", "true") == "true"
		rows, err := catalog.ListFiles(currentOnly)
		if err != nil {
			log.Error("Admin file listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, rows)
	})
}

// Validierung über den Parser, bevor überhaupt ein Ingest angestoßen wird.
// Float-artige Kosten werden vor dem Check bereinigt.
func setupValidateRoutes(router *gin.Engine, log *zap.Logger) {
	rg := router.Group("/validate")
	rg.POST("/", func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
		defer f.Close()

		raw, err := pbfile.ParseReaderSanitized(f)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
			return
		}
		tile := pbfile.DeriveTile(raw, fh.Filename)
		c.JSON(http.StatusOK, gin.H{
			"valid":        true,
			"webpage_name": tile.WebpageName,
			"num_projects": tile.NumProjects,
			"num_votes":    tile.NumVotes,
		})
	})
}

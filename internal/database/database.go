package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wgwarden/wgwarden/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Peer{}, &AlertRecord{}, &ResolutionRecord{}, &ReconnectAttempt{}, &StateSnapshot{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"smtp_host":        "",
		"smtp_port":        "587",
		"smtp_username":    "",
		"smtp_password":    "", // fernet-encrypted once set
		"smtp_from":        "",
		"smtp_use_tls":     "true",
		"alert_recipients": "",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Peer helpers. Peers are owned by the dashboard tier; the engine reads them.

func GetPeer(id uint) (*Peer, error) {
	var p Peer
	if err := DB.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func GetPeerByPublicKey(publicKey string) (*Peer, error) {
	var p Peer
	if err := DB.Where("public_key = ?", publicKey).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func ListPeers() ([]Peer, error) {
	var peers []Peer
	if err := DB.Order("id").Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

package main

import (
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const namespaceSettingKey = "request_namespace"

func newPersistence(dbPath string) (*persistence, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sql db: %w", err)
	}

	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &persistence{db: db}, nil
}

// ensureNamespace returns the per-deployment UUID namespace used to derive
// request identities, generating and persisting it on first startup. The
// namespace must never change once requests are in flight, or retried
// submissions would stop converging on their earlier identities.
func (p *persistence) ensureNamespace() (uuid.UUID, error) {
	var setting settingModel
	err := p.db.First(&setting, "key = ?", namespaceSettingKey).Error
	if err == nil {
		ns, parseErr := uuid.Parse(setting.Value)
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("corrupt namespace setting: %w", parseErr)
		}
		return ns, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, fmt.Errorf("lookup namespace: %w", err)
	}

	ns := uuid.New()
	setting = settingModel{Key: namespaceSettingKey, Value: ns.String()}
	if err := p.db.Create(&setting).Error; err != nil {
		return uuid.Nil, fmt.Errorf("save namespace: %w", err)
	}
	return ns, nil
}

func (p *persistence) loadIntoStore(s *store) error {
	var users []userModel
	if err := p.db.Find(&users).Error; err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	usersByID := make(map[uint64]string, len(users))
	for _, u := range users {
		usersByID[u.ID] = u.Username
		s.setUser(userAccount{Username: u.Username, PasswordHash: u.PasswordHash})
	}

	var domains []domainModel
	if err := p.db.Find(&domains).Error; err != nil {
		return fmt.Errorf("load domains: %w", err)
	}
	domainsByID := make(map[uint64]string, len(domains))
	for _, d := range domains {
		domainsByID[d.ID] = d.FQDN
		s.setDomain(d.FQDN, d.ID)
	}

	var perms []permissionModel
	if err := p.db.Find(&perms).Error; err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	for _, perm := range perms {
		username, ok := usersByID[perm.UserID]
		if !ok {
			continue
		}
		fqdn, ok := domainsByID[perm.DomainID]
		if !ok {
			continue
		}
		s.addGrant(username, accessGrant{Domain: fqdn, Level: accessLevel(perm.AccessLevel)})
	}

	return nil
}

func (p *persistence) upsertUser(username, passwordHash string) error {
	var existing userModel
	err := p.db.First(&existing, "username = ?", username).Error
	if err == nil {
		existing.PasswordHash = passwordHash
		if err := p.db.Save(&existing).Error; err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup user: %w", err)
	}

	model := userModel{Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	if err := p.db.Create(&model).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (p *persistence) getUser(username string) (userModel, error) {
	var model userModel
	if err := p.db.First(&model, "username = ?", username).Error; err != nil {
		return userModel{}, err
	}
	return model, nil
}

func (p *persistence) getOrCreateDomain(fqdn string) (domainModel, error) {
	fqdn = normalizeFQDN(fqdn)

	var model domainModel
	err := p.db.First(&model, "fqdn = ?", fqdn).Error
	if err == nil {
		return model, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domainModel{}, fmt.Errorf("lookup domain: %w", err)
	}

	model = domainModel{FQDN: fqdn}
	if err := p.db.Create(&model).Error; err != nil {
		return domainModel{}, fmt.Errorf("create domain: %w", err)
	}
	return model, nil
}

func (p *persistence) deleteDomain(fqdn string) error {
	fqdn = normalizeFQDN(fqdn)

	var model domainModel
	err := p.db.First(&model, "fqdn = ?", fqdn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup domain: %w", err)
	}

	if err := p.db.Delete(&permissionModel{}, "domain_id = ?", model.ID).Error; err != nil {
		return fmt.Errorf("delete domain permissions: %w", err)
	}
	if err := p.db.Delete(&domainModel{}, "id = ?", model.ID).Error; err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	return nil
}

func (p *persistence) createPermission(userID, domainID uint64, level accessLevel, text string) error {
	var existing permissionModel
	err := p.db.First(&existing, "user_id = ? AND domain_id = ? AND access_level = ?", userID, domainID, string(level)).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup permission: %w", err)
	}

	model := permissionModel{UserID: userID, DomainID: domainID, AccessLevel: string(level), Text: text}
	if err := p.db.Create(&model).Error; err != nil {
		return fmt.Errorf("create permission: %w", err)
	}
	return nil
}

func (p *persistence) deletePermission(userID, domainID uint64, level accessLevel) error {
	err := p.db.Delete(&permissionModel{}, "user_id = ? AND domain_id = ? AND access_level = ?", userID, domainID, string(level)).Error
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return nil
}

func (p *persistence) saveAudit(username, fqdn, action string, status Status) error {
	model := auditModel{
		Username:  username,
		FQDN:      fqdn,
		Action:    action,
		Status:    string(status),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.db.Create(&model).Error; err != nil {
		return fmt.Errorf("save audit entry: %w", err)
	}
	return nil
}

func (p *persistence) listAudit(limit int) ([]auditModel, error) {
	var entries []auditModel
	if err := p.db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	return entries, nil
}

func (p *persistence) saveRelationData(key, value string) error {
	model := relationModel{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := p.db.Save(&model).Error; err != nil {
		return fmt.Errorf("save relation data: %w", err)
	}
	return nil
}

func (p *persistence) loadRelationData(key string) (string, error) {
	var model relationModel
	err := p.db.First(&model, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load relation data: %w", err)
	}
	return model.Value, nil
}

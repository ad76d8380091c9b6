package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Account is a game account the relay can log in as. Reference is the name
// the config file uses to point at it (usually the Microsoft account email).
type Account struct {
	ID                   uint64 `gorm:"primaryKey"`
	Reference            string `gorm:"unique; not null"`
	Username             string `gorm:"not null"`
	ProfileID            string
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt `gorm:"index"`
}

// FindAccountByReference searches for an account with the specified reference,
// returning the *Account instance if found or nil if there is no match.
func FindAccountByReference(db *gorm.DB, reference string) (*Account, error) {
	var account Account
	err := db.Where("reference = ?", reference).First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// ListAccounts returns every account ordered by reference.
func ListAccounts(db *gorm.DB) ([]Account, error) {
	var accounts []Account
	err := db.Order("reference").Find(&accounts).Error
	return accounts, err
}

// CreateAccount persists the Account record to the database.
func CreateAccount(db *gorm.DB, account *Account) error {
	return db.Create(account).Error
}

// UpdateAccountTokens writes refreshed credentials back for an existing account.
func UpdateAccountTokens(db *gorm.DB, account *Account) error {
	return db.Model(account).Select(
		"Username", "ProfileID", "AccessToken", "AccessTokenExpiresAt", "RefreshToken",
	).Updates(account).Error
}

// DeleteAccount soft-deletes an Account record from the database.
func DeleteAccount(db *gorm.DB, account *Account) error {
	return db.Delete(account).Error
}

// PermanentlyDeleteAccount permanently deletes an Account record from the database.
func PermanentlyDeleteAccount(db *gorm.DB, account *Account) error {
	return db.Unscoped().Delete(account).Error
}

package storage

import (
	"errors"
	"fmt"

	"github.com/justyntemme/animetrack/internal/models"
)

// Record store errors
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// RecordStore is the durable collection of tracked anime plus the named
// custom orderings that reference them by ID
type RecordStore interface {
	// List returns every record in list order
	List() ([]models.Anime, error)
	Get(id int) (*models.Anime, error)
	// Create adds a record to the front of the list
	Create(anime *models.Anime) error
	Update(anime *models.Anime) error
	UpdateCover(id int, coverImage string) error
	// Delete removes a record and strips its ID from every ordering
	Delete(id int) error
	ReplaceAll(list []models.Anime) error
	Orders() (models.Orders, error)
	ReplaceOrders(orders models.Orders) error
	Close() error
}

// Store drivers
const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// OpenStore opens the record store for the given driver
func OpenStore(driver, path string) (RecordStore, error) {
	switch driver {
	case DriverJSON, "":
		return OpenJSONStore(path)
	case DriverSQLite:
		return NewDatabase(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

package grant

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/najuna-brian/medipact-sub000/internal/platform/db"
)

// The hospitals and patients tables belong to the surrounding application;
// only existence is checked here.
const (
	hospitalExistsSQL = `SELECT EXISTS (SELECT 1 FROM hospitals WHERE hospital_id = $1)`
	patientExistsSQL  = `SELECT EXISTS (SELECT 1 FROM patients WHERE patient_id = $1)`
)

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG returns a Directory reading the application's Postgres tables.
func NewDirectoryPG(pool *pgxpool.Pool) Directory {
	return &directoryPG{pool: pool}
}

func (d *directoryPG) HospitalExists(ctx context.Context, hospitalID string) (bool, error) {
	return d.exists(ctx, hospitalExistsSQL, hospitalID)
}

func (d *directoryPG) PatientExists(ctx context.Context, patientID string) (bool, error) {
	return d.exists(ctx, patientExistsSQL, patientID)
}

func (d *directoryPG) exists(ctx context.Context, query, id string) (bool, error) {
	var ok bool
	if err := db.Conn(ctx, d.pool).QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("directory lookup: %w", err)
	}
	return ok, nil
}

type directorySQL struct{ db *sql.DB }

// NewDirectorySQL returns a Directory over a database/sql handle, for SQLite
// single-node deployments where the application tables share the database.
func NewDirectorySQL(db *sql.DB) Directory {
	return &directorySQL{db: db}
}

func (d *directorySQL) HospitalExists(ctx context.Context, hospitalID string) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS (SELECT 1 FROM hospitals WHERE hospital_id = ?)`, hospitalID)
}

func (d *directorySQL) PatientExists(ctx context.Context, patientID string) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE patient_id = ?)`, patientID)
}

func (d *directorySQL) exists(ctx context.Context, query, id string) (bool, error) {
	var ok bool
	if err := d.db.QueryRowContext(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("directory lookup: %w", err)
	}
	return ok, nil
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu        sync.RWMutex
	hospitals map[string]bool
	patients  map[string]bool
}

// NewStaticDirectory creates a StaticDirectory holding the given ids.
func NewStaticDirectory(hospitals, patients []string) *StaticDirectory {
	d := &StaticDirectory{hospitals: map[string]bool{}, patients: map[string]bool{}}
	for _, h := range hospitals {
		d.hospitals[h] = true
	}
	for _, p := range patients {
		d.patients[p] = true
	}
	return d
}

// AddHospital registers a hospital id.
func (d *StaticDirectory) AddHospital(id string) {
	d.mu.Lock()
	d.hospitals[id] = true
	d.mu.Unlock()
}

// AddPatient registers a patient id.
func (d *StaticDirectory) AddPatient(id string) {
	d.mu.Lock()
	d.patients[id] = true
	d.mu.Unlock()
}

func (d *StaticDirectory) HospitalExists(_ context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hospitals[id], nil
}

func (d *StaticDirectory) PatientExists(_ context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.patients[id], nil
}

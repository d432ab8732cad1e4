package voiceprint

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Store sqlite-репозиторий голосовых профилей. Пайплайн читает профили при
// создании сессии и вливает сессионные центроиды при завершении.
type Store struct {
	db *sql.DB
}

// OpenStore открывает (или создаёт) базу профилей
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		embedding  BLOB NOT NULL,
		seen_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Profiles возвращает профили перечисленных пользователей; отсутствующие
// молча пропускаются (пользователь мог ещё не пройти enrollment)
func (s *Store) Profiles(userIDs []string) ([]Profile, error) {
	profiles := make([]Profile, 0, len(userIDs))
	for _, id := range userIDs {
		p, err := s.Profile(id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

// Profile возвращает один профиль или sql.ErrNoRows
func (s *Store) Profile(userID string) (*Profile, error) {
	row := s.db.QueryRow(
		`SELECT user_id, name, embedding, seen_count, created_at, updated_at
		 FROM profiles WHERE user_id = ?`, userID)

	var p Profile
	var blob []byte
	if err := row.Scan(&p.UserID, &p.Name, &blob, &p.SeenCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Embedding = decodeEmbedding(blob)
	return &p, nil
}

// Upsert создаёт или заменяет профиль целиком (enrollment)
func (s *Store) Upsert(p Profile) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.Exec(
		`INSERT INTO profiles (user_id, name, embedding, seen_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   name = excluded.name,
		   embedding = excluded.embedding,
		   updated_at = excluded.updated_at`,
		p.UserID, p.Name, encodeEmbedding(p.Embedding), p.SeenCount, p.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdateCentroid вливает сессионный центроид в сохранённый профиль
// экспоненциальным сглаживанием: new = (1-alpha)*old + alpha*centroid
func (s *Store) UpdateCentroid(userID string, centroid []float32, alpha float32) error {
	p, err := s.Profile(userID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no profile for user %s", userID)
	}
	if err != nil {
		return err
	}
	if len(p.Embedding) != len(centroid) {
		return fmt.Errorf("embedding dim mismatch: stored %d, session %d", len(p.Embedding), len(centroid))
	}

	blended := make([]float32, len(centroid))
	for i := range blended {
		blended[i] = (1-alpha)*p.Embedding[i] + alpha*centroid[i]
	}
	normalize(blended)

	_, err = s.db.Exec(
		`UPDATE profiles SET embedding = ?, seen_count = seen_count + 1, updated_at = ?
		 WHERE user_id = ?`,
		encodeEmbedding(blended), time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update centroid: %w", err)
	}
	log.Printf("[VoicePrint] centroid updated for %s (alpha=%.2f, seen=%d)", userID, alpha, p.SeenCount+1)
	return nil
}

// jsonStore формат файла для первичной загрузки профилей
type jsonStore struct {
	Version  int       `json:"version"`
	Profiles []Profile `json:"profiles"`
}

// ImportJSON загружает профили из JSON файла (bootstrap enrollment'а)
func (s *Store) ImportJSON(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var file jsonStore
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, p := range file.Profiles {
		if err := s.Upsert(p); err != nil {
			return 0, err
		}
	}
	return len(file.Profiles), nil
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

// Эмбеддинги храним как little-endian float32 blob
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm < 1e-6 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

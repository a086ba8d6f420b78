package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"crate/internal/syncerr"
)

// Table names known to the change log.
const (
	TableArtists = "artists"
	TableAlbums  = "albums"
	TableTracks  = "tracks"
)

// RowMeta carries the last-writer-wins columns present on every catalog row.
type RowMeta struct {
	UpdatedAt int64  `json:"_updated_at"`
	UpdatedBy string `json:"_updated_by"`
}

// Artist is a catalog artist.
type Artist struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SortName string `json:"sort_name"`
	MBID     string `json:"mbid"`
	RowMeta
}

// Album is a catalog release.
type Album struct {
	ID       string `json:"id"`
	ArtistID string `json:"artist_id"`
	Title    string `json:"title"`
	MBID     string `json:"mbid"`
	Year     int    `json:"year"`
	RowMeta
}

// Track is one recording on an album. Infohash links the track to the
// distributed content it was imported from.
type Track struct {
	ID         string `json:"id"`
	AlbumID    string `json:"album_id"`
	Title      string `json:"title"`
	Position   int    `json:"position"`
	DurationMS int64  `json:"duration_ms"`
	Infohash   string `json:"infohash"`
	RowMeta
}

const (
	artistColumns = "id, name, sort_name, mbid, _updated_at, _updated_by"
	albumColumns  = "id, artist_id, title, mbid, year, _updated_at, _updated_by"
	trackColumns  = "id, album_id, title, position, duration_ms, infohash, _updated_at, _updated_by"
)

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = fmt.Errorf("%w: catalog row", syncerr.ErrNotFound)

// stamp returns the timestamp for a local write: the wall clock, but always
// newer than the row being replaced.
func (s *Store) stamp(ctx context.Context, q querier, table, id string) (int64, error) {
	ts := s.nowMillis()
	var existing int64
	err := q.QueryRowContext(ctx, "SELECT _updated_at FROM "+table+" WHERE id = ?", id).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ts, nil
	case err != nil:
		return 0, fmt.Errorf("read %s timestamp: %w", table, err)
	}
	if existing >= ts {
		ts = existing + 1
	}
	return ts, nil
}

// UpsertArtist inserts or replaces an artist, assigning an id when empty.
func (s *Store) UpsertArtist(ctx context.Context, a Artist) (Artist, error) {
	if strings.TrimSpace(a.Name) == "" {
		return Artist{}, errors.New("artist name is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts, err := s.stamp(ctx, tx, TableArtists, a.ID)
		if err != nil {
			return err
		}
		a.RowMeta = RowMeta{UpdatedAt: ts, UpdatedBy: s.deviceID}
		return writeArtist(ctx, tx, a)
	})
	if err != nil {
		return Artist{}, fmt.Errorf("upsert artist: %w", err)
	}
	return a, nil
}

// UpsertAlbum inserts or replaces an album, assigning an id when empty.
func (s *Store) UpsertAlbum(ctx context.Context, al Album) (Album, error) {
	if strings.TrimSpace(al.Title) == "" {
		return Album{}, errors.New("album title is required")
	}
	if strings.TrimSpace(al.ArtistID) == "" {
		return Album{}, errors.New("album artist is required")
	}
	if al.ID == "" {
		al.ID = uuid.NewString()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts, err := s.stamp(ctx, tx, TableAlbums, al.ID)
		if err != nil {
			return err
		}
		al.RowMeta = RowMeta{UpdatedAt: ts, UpdatedBy: s.deviceID}
		return writeAlbum(ctx, tx, al)
	})
	if err != nil {
		return Album{}, fmt.Errorf("upsert album: %w", err)
	}
	return al, nil
}

// UpsertTrack inserts or replaces a track, assigning an id when empty.
func (s *Store) UpsertTrack(ctx context.Context, tr Track) (Track, error) {
	if strings.TrimSpace(tr.Title) == "" {
		return Track{}, errors.New("track title is required")
	}
	if strings.TrimSpace(tr.AlbumID) == "" {
		return Track{}, errors.New("track album is required")
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	tr.Infohash = strings.ToLower(strings.TrimSpace(tr.Infohash))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts, err := s.stamp(ctx, tx, TableTracks, tr.ID)
		if err != nil {
			return err
		}
		tr.RowMeta = RowMeta{UpdatedAt: ts, UpdatedBy: s.deviceID}
		return writeTrack(ctx, tx, tr)
	})
	if err != nil {
		return Track{}, fmt.Errorf("upsert track: %w", err)
	}
	return tr, nil
}

// DeleteArtist removes an artist.
func (s *Store) DeleteArtist(ctx context.Context, id string) error {
	return s.execWithRetry(ctx, "DELETE FROM artists WHERE id = ?", id)
}

// DeleteAlbum removes an album and its tracks.
func (s *Store) DeleteAlbum(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tracks WHERE album_id = ?", id); err != nil {
			return fmt.Errorf("delete album tracks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM albums WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete album: %w", err)
		}
		return nil
	})
}

// DeleteTrack removes a track.
func (s *Store) DeleteTrack(ctx context.Context, id string) error {
	return s.execWithRetry(ctx, "DELETE FROM tracks WHERE id = ?", id)
}

// GetArtist returns an artist or ErrNotFound.
func (s *Store) GetArtist(ctx context.Context, id string) (Artist, error) {
	a, ok, err := readArtist(ensureContext(ctx), s.db, id)
	if err != nil {
		return Artist{}, err
	}
	if !ok {
		return Artist{}, ErrNotFound
	}
	return a, nil
}

// GetAlbum returns an album or ErrNotFound.
func (s *Store) GetAlbum(ctx context.Context, id string) (Album, error) {
	al, ok, err := readAlbum(ensureContext(ctx), s.db, id)
	if err != nil {
		return Album{}, err
	}
	if !ok {
		return Album{}, ErrNotFound
	}
	return al, nil
}

// GetTrack returns a track or ErrNotFound.
func (s *Store) GetTrack(ctx context.Context, id string) (Track, error) {
	tr, ok, err := readTrack(ensureContext(ctx), s.db, id)
	if err != nil {
		return Track{}, err
	}
	if !ok {
		return Track{}, ErrNotFound
	}
	return tr, nil
}

// ListArtists returns every artist ordered by name.
func (s *Store) ListArtists(ctx context.Context) ([]Artist, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+artistColumns+" FROM artists ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list artists: %w", err)
	}
	defer rows.Close()
	var out []Artist
	for rows.Next() {
		var a Artist
		if err := rows.Scan(&a.ID, &a.Name, &a.SortName, &a.MBID, &a.UpdatedAt, &a.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan artist: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAlbums returns every album ordered by title.
func (s *Store) ListAlbums(ctx context.Context) ([]Album, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+albumColumns+" FROM albums ORDER BY title, id")
	if err != nil {
		return nil, fmt.Errorf("list albums: %w", err)
	}
	defer rows.Close()
	var out []Album
	for rows.Next() {
		var al Album
		if err := rows.Scan(&al.ID, &al.ArtistID, &al.Title, &al.MBID, &al.Year, &al.UpdatedAt, &al.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan album: %w", err)
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

// TracksByInfohash returns tracks imported from the given content.
func (s *Store) TracksByInfohash(ctx context.Context, infohash string) ([]Track, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+trackColumns+" FROM tracks WHERE infohash = ? ORDER BY album_id, position, id",
		strings.ToLower(strings.TrimSpace(infohash)))
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()
	var out []Track
	for rows.Next() {
		var tr Track
		if err := rows.Scan(&tr.ID, &tr.AlbumID, &tr.Title, &tr.Position, &tr.DurationMS, &tr.Infohash, &tr.UpdatedAt, &tr.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func readArtist(ctx context.Context, q querier, id string) (Artist, bool, error) {
	var a Artist
	err := q.QueryRowContext(ctx, "SELECT "+artistColumns+" FROM artists WHERE id = ?", id).
		Scan(&a.ID, &a.Name, &a.SortName, &a.MBID, &a.UpdatedAt, &a.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Artist{}, false, nil
	}
	if err != nil {
		return Artist{}, false, fmt.Errorf("read artist: %w", err)
	}
	return a, true, nil
}

func readAlbum(ctx context.Context, q querier, id string) (Album, bool, error) {
	var al Album
	err := q.QueryRowContext(ctx, "SELECT "+albumColumns+" FROM albums WHERE id = ?", id).
		Scan(&al.ID, &al.ArtistID, &al.Title, &al.MBID, &al.Year, &al.UpdatedAt, &al.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Album{}, false, nil
	}
	if err != nil {
		return Album{}, false, fmt.Errorf("read album: %w", err)
	}
	return al, true, nil
}

func readTrack(ctx context.Context, q querier, id string) (Track, bool, error) {
	var tr Track
	err := q.QueryRowContext(ctx, "SELECT "+trackColumns+" FROM tracks WHERE id = ?", id).
		Scan(&tr.ID, &tr.AlbumID, &tr.Title, &tr.Position, &tr.DurationMS, &tr.Infohash, &tr.UpdatedAt, &tr.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Track{}, false, nil
	}
	if err != nil {
		return Track{}, false, fmt.Errorf("read track: %w", err)
	}
	return tr, true, nil
}

func writeArtist(ctx context.Context, q querier, a Artist) error {
	_, err := q.ExecContext(ctx, `INSERT INTO artists (`+artistColumns+`) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, sort_name = excluded.sort_name, mbid = excluded.mbid,
    _updated_at = excluded._updated_at, _updated_by = excluded._updated_by`,
		a.ID, a.Name, a.SortName, a.MBID, a.UpdatedAt, a.UpdatedBy)
	if err != nil {
		return fmt.Errorf("write artist: %w", err)
	}
	return nil
}

func writeAlbum(ctx context.Context, q querier, al Album) error {
	_, err := q.ExecContext(ctx, `INSERT INTO albums (`+albumColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET artist_id = excluded.artist_id, title = excluded.title, mbid = excluded.mbid,
    year = excluded.year, _updated_at = excluded._updated_at, _updated_by = excluded._updated_by`,
		al.ID, al.ArtistID, al.Title, al.MBID, al.Year, al.UpdatedAt, al.UpdatedBy)
	if err != nil {
		return fmt.Errorf("write album: %w", err)
	}
	return nil
}

func writeTrack(ctx context.Context, q querier, tr Track) error {
	_, err := q.ExecContext(ctx, `INSERT INTO tracks (`+trackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET album_id = excluded.album_id, title = excluded.title, position = excluded.position,
    duration_ms = excluded.duration_ms, infohash = excluded.infohash,
    _updated_at = excluded._updated_at, _updated_by = excluded._updated_by`,
		tr.ID, tr.AlbumID, tr.Title, tr.Position, tr.DurationMS, tr.Infohash, tr.UpdatedAt, tr.UpdatedBy)
	if err != nil {
		return fmt.Errorf("write track: %w", err)
	}
	return nil
}

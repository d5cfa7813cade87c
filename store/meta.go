package store

import (
	"encoding/json"
	"os"
	"time"
)

// Meta is the _meta sibling written next to every parquet partition. It
// answers "latest stored timestamp" without opening the parquet file.
type Meta struct {
	LatestTs  int64     `json:"latest_ts"`
	Rows      int       `json:"rows"`
	UpdatedAt time.Time `json:"updated_at"`
}

func metaPath(parquetPath string) string {
	return parquetPath + "._meta.json"
}

func writeMeta(parquetPath string, latestTs int64, rows int) error {
	meta := Meta{LatestTs: latestTs, Rows: rows, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := metaPath(parquetPath) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, metaPath(parquetPath))
}

func readMeta(parquetPath string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(metaPath(parquetPath))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

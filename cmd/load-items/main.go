package main

import (
	"encoding/csv"
	"flag"
	"log"
	"os"
	"strings"

	"catwalk/internal/config"
	"catwalk/internal/db"
)

type itemRecord struct {
	Name         string
	Category     string
	Slot         string
	AssetURL     string
	ThumbnailURL string
}

func main() {
	filePath := flag.String("file", "items.csv", "path to items csv")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.Load()

	conn, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	records, err := readItems(*filePath)
	if err != nil {
		log.Fatalf("failed to read items: %v", err)
	}

	inserted := 0
	for _, record := range records {
		entry := db.Item{
			Name:         record.Name,
			Category:     record.Category,
			Slot:         record.Slot,
			AssetURL:     record.AssetURL,
			ThumbnailURL: record.ThumbnailURL,
		}
		if err := conn.FirstOrCreate(&entry, db.Item{Name: entry.Name, Slot: entry.Slot}).Error; err != nil {
			log.Fatalf("failed to upsert item: %v", err)
		}
		inserted++
	}

	log.Printf("loaded %d items", inserted)
}

func readItems(path string) ([]itemRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var records []itemRecord
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) < 4 {
			continue
		}
		record := itemRecord{
			Name:     strings.TrimSpace(row[0]),
			Category: strings.TrimSpace(row[1]),
			Slot:     strings.TrimSpace(row[2]),
			AssetURL: strings.TrimSpace(row[3]),
		}
		if len(row) > 4 {
			record.ThumbnailURL = strings.TrimSpace(row[4])
		}
		if record.Name == "" || record.AssetURL == "" {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

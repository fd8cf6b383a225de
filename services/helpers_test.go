package services

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"listing-scraper/models"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

func loadStore(t *testing.T, doc string) models.Store {
	t.Helper()
	var d models.StoreDocument
	require.NoError(t, json.Unmarshal([]byte(doc), &d))
	return d.NewListings
}

const sampleStoreDoc = `{"newListings": {
  "0b4a3f8e-6c1d-4c5e-9a57-0f1b2c3d4e5f": {
    "id": "0b4a3f8e-6c1d-4c5e-9a57-0f1b2c3d4e5f",
    "listingUrl": "https://listings.example.com/detail/1",
    "address": "東京都世田谷区",
    "price": 69300000,
    "layout": "3LDK",
    "listingImages": ["https://img.example.com/1.jpg"],
    "recommendedText": ["South facing"],
    "tags": ["renovated"],
    "latLong": {"lat": 35.6, "long": 139.6},
    "latLongString": "35.6,139.6",
    "isSold": false,
    "isDetailSoldPresent": true,
    "original": {"price": "6,930万円", "layout": "３ＬＤＫ"},
    "favouriteCount": 4
  },
  "7d9e2b1a-3c4f-4e6a-8b9c-1d2e3f4a5b6c": {
    "id": "7d9e2b1a-3c4f-4e6a-8b9c-1d2e3f4a5b6c",
    "listingUrl": "https://listings.example.com/detail/2",
    "price": 45000000,
    "layout": "2LDK",
    "tags": [],
    "isSold": true
  }
}}`

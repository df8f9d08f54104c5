// Package publish registers a simulation's output raster with a
// GeoServer instance so the map viewer can serve it as a WMS layer.
package publish

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"floodtwin/internal/model"
)

// Publisher talks to the GeoServer REST API.
type Publisher struct {
	baseURL   string
	workspace string
	username  string
	password  string
	http      *http.Client
}

func NewPublisher(baseURL, workspace, username, password string, timeout time.Duration) *Publisher {
	return &Publisher{
		baseURL:   baseURL,
		workspace: workspace,
		username:  username,
		password:  password,
		http:      &http.Client{Timeout: timeout},
	}
}

type coverageStore struct {
	XMLName   xml.Name `xml:"coverageStore"`
	Name      string   `xml:"name"`
	Workspace string   `xml:"workspace"`
	Enabled   bool     `xml:"enabled"`
	Type      string   `xml:"type"`
	URL       string   `xml:"url"`
}

type coverage struct {
	XMLName xml.Name `xml:"coverage"`
	Name    string   `xml:"name"`
	Title   string   `xml:"title"`
	SRS     string   `xml:"srs"`
	Enabled bool     `xml:"enabled"`
}

// Publish creates a GeoTIFF coverage store for the output artifact and
// a coverage layer on top of it. Returns the qualified layer name.
func (p *Publisher) Publish(ctx context.Context, jobID, outputArtifact string) (string, error) {
	name := "flood_" + jobID

	store := coverageStore{
		Name:      name,
		Workspace: p.workspace,
		Enabled:   true,
		Type:      "GeoTIFF",
		URL:       outputArtifact,
	}
	storeURL := fmt.Sprintf("%s/rest/workspaces/%s/coveragestores", p.baseURL, p.workspace)
	if err := p.post(ctx, storeURL, store); err != nil {
		return "", err
	}

	layer := coverage{
		Name:    name,
		Title:   "Flood depth " + jobID,
		SRS:     "EPSG:4326",
		Enabled: true,
	}
	layerURL := fmt.Sprintf("%s/rest/workspaces/%s/coveragestores/%s/coverages", p.baseURL, p.workspace, name)
	if err := p.post(ctx, layerURL, layer); err != nil {
		return "", err
	}

	return p.workspace + ":" + name, nil
}

func (p *Publisher) post(ctx context.Context, url string, payload any) error {
	body, err := xml.Marshal(payload)
	if err != nil {
		return model.NewFatal(model.StagePublish, fmt.Errorf("encode geoserver request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.NewFatal(model.StagePublish, err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.SetBasicAuth(p.username, p.password)

	resp, err := p.http.Do(req)
	if err != nil {
		return model.NewTransient(model.StagePublish, fmt.Errorf("geoserver: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// 409s mean the store already exists from a prior attempt of
		// this job, which is fine for an at-least-once pipeline.
		if resp.StatusCode == http.StatusConflict {
			return nil
		}
		return model.NewFatal(model.StagePublish, fmt.Errorf("geoserver %d: %s", resp.StatusCode, string(msg)))
	}
	return model.NewTransient(model.StagePublish, fmt.Errorf("geoserver %d: %s", resp.StatusCode, string(msg)))
}

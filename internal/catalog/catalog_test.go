package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchDecodesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"models":[
			{"id":"m1","name":"Model One","size":"1.04 GB"},
			{"id":"m2","name":"Model Two","size":"500 MB"}
		]}}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	models, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(models) != 2 || models[0].ID != "m1" || models[1].Size != "500 MB" {
		t.Fatalf("unexpected models %v", models)
	}
}

func TestLoadFallsBackOnMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"unexpected":"shape"}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	models := c.Load(context.Background())
	if len(models) != len(Bundled) {
		t.Fatalf("expected bundled fallback, got %v", models)
	}
}

func TestLoadFallsBackOnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	srv.Close()

	c := New(Config{URL: srv.URL})
	models := c.Load(context.Background())
	if len(models) != len(Bundled) {
		t.Fatalf("expected bundled fallback, got %v", models)
	}
}

func TestFetchRejectsEntryWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"models":[{"id":"","name":"Broken","size":"1 GB"}]}}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("expected decode failure for entry without id")
	}
}

func TestSortBySize(t *testing.T) {
	models := []ModelInfo{
		{ID: "big", Size: "2.39 GB"},
		{ID: "small", Size: "500 MB"},
		{ID: "mid", Size: "1.04 GB"},
	}
	SortBySize(models)
	if models[0].ID != "small" || models[1].ID != "mid" || models[2].ID != "big" {
		t.Fatalf("unexpected order %v", models)
	}
}

package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/morikuni/failure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	collyfetcher "github.com/JakeFAU/skycam-collector/internal/fetcher/colly"
	"github.com/JakeFAU/skycam-collector/internal/headless/detector"
)

func indirectSource(locator string) collector.CameraSource {
	return collector.CameraSource{
		ID:       "station",
		Category: "weatherusa",
		Locator:  locator,
		Strategy: collector.StrategyIndirect,
		Discriminator: collector.Discriminator{
			Attr:  collector.DefaultDiscriminatorAttr,
			Value: collector.DefaultDiscriminatorValue,
		},
		Marker: collector.DefaultMarker,
	}
}

func TestResolveDirectIsIdentity(t *testing.T) {
	t.Parallel()

	pages := &fakeFetcher{}
	r := New(Config{}, pages, nil, nil)
	src := collector.CameraSource{ID: "cam", Locator: "https://cam.example/x.jpg", Strategy: collector.StrategyDirect}

	res, err := r.Resolve(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, collector.ResolvedResource{BinaryURL: "https://cam.example/x.jpg", SourceID: "cam"}, res)
	assert.Zero(t, pages.calls, "direct sources never touch the network")
}

func TestResolveIndirectAgainstServer(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/station/alt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<img src="/logo.png" alt="Logo">
			<img src="images/current.jpg" alt="SkyCam Image">
		</body></html>`))
	})
	mux.HandleFunc("/station/marker", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<img src="/logo.png">
			<img src="//cdn.example.org/cams/snap_1234.jpg">
		</body></html>`))
	})
	mux.HandleFunc("/station/none", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><img src="/logo.png"></body></html>`))
	})
	mux.HandleFunc("/station/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := New(Config{PageTimeout: time.Second}, collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), nil, nil)
	ctx := context.Background()

	t.Run("discriminator", func(t *testing.T) {
		res, err := r.Resolve(ctx, indirectSource(srv.URL+"/station/alt"))
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/station/images/current.jpg", res.BinaryURL)
		assert.Equal(t, srv.URL+"/station/alt", res.PageURL)
		assert.Equal(t, "station", res.SourceID)
	})

	t.Run("marker with scheme-relative ref", func(t *testing.T) {
		res, err := r.Resolve(ctx, indirectSource(srv.URL+"/station/marker"))
		require.NoError(t, err)
		assert.Equal(t, "http://cdn.example.org/cams/snap_1234.jpg", res.BinaryURL)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := r.Resolve(ctx, indirectSource(srv.URL+"/station/none"))
		require.Error(t, err)
		assert.True(t, failure.Is(err, collector.ErrNoResourceFound), "got %v", err)
	})

	t.Run("page error", func(t *testing.T) {
		_, err := r.Resolve(ctx, indirectSource(srv.URL+"/station/gone"))
		require.Error(t, err)
		assert.True(t, failure.Is(err, collector.ErrResolution), "got %v", err)
		var statusErr *collector.HTTPStatusError
		assert.True(t, errors.As(err, &statusErr))
	})
}

func TestResolveRenderUsesRenderer(t *testing.T) {
	t.Parallel()

	pages := &fakeFetcher{err: errors.New("plain fetch should not be used")}
	renderer := &fakeFetcher{resp: collector.FetchResponse{
		URL:      "https://js.example/cam",
		Body:     []byte(`<img alt="SkyCam Image" src="https://img.example/live.jpg">`),
		Rendered: true,
	}}
	r := New(Config{}, pages, renderer, nil)

	src := indirectSource("https://js.example/cam")
	src.Render = true
	res, err := r.Resolve(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/live.jpg", res.BinaryURL)
	assert.Equal(t, 1, renderer.calls)
	assert.Zero(t, pages.calls)
}

func TestResolvePromotesScriptShellToRenderer(t *testing.T) {
	t.Parallel()

	pages := &fakeFetcher{resp: collector.FetchResponse{
		StatusCode: http.StatusOK,
		URL:        "https://js.example/cam",
		Body:       []byte(`<html><div id="root"></div><script src="app.js"></script></html>`),
	}}
	renderer := &fakeFetcher{resp: collector.FetchResponse{
		URL:      "https://js.example/cam",
		Body:     []byte(`<div id="root"><img alt="SkyCam Image" src="/live.jpg"></div>`),
		Rendered: true,
	}}
	r := New(Config{}, pages, renderer, nil, WithShellDetector(detector.NewHeuristic(0)))

	res, err := r.Resolve(context.Background(), indirectSource("https://js.example/cam"))
	require.NoError(t, err)
	assert.Equal(t, "https://js.example/live.jpg", res.BinaryURL)
	assert.Equal(t, 1, pages.calls)
	assert.Equal(t, 1, renderer.calls)
}

func TestResolveStaticPageIsNotPromoted(t *testing.T) {
	t.Parallel()

	pages := &fakeFetcher{resp: collector.FetchResponse{
		StatusCode: http.StatusOK,
		URL:        "https://static.example/cam",
		Body:       []byte(`<html><body>` + strings.Repeat("<p>no camera here</p>", 200) + `</body></html>`),
	}}
	renderer := &fakeFetcher{}
	r := New(Config{}, pages, renderer, nil, WithShellDetector(detector.NewHeuristic(0)))

	_, err := r.Resolve(context.Background(), indirectSource("https://static.example/cam"))
	require.Error(t, err)
	assert.True(t, failure.Is(err, collector.ErrNoResourceFound))
	assert.Zero(t, renderer.calls)
}

func TestResolveUnknownStrategy(t *testing.T) {
	t.Parallel()

	r := New(Config{}, &fakeFetcher{}, nil, nil)
	_, err := r.Resolve(context.Background(), collector.CameraSource{ID: "x", Strategy: "ftp"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, collector.ErrConfig))
}

func TestFindImageRef(t *testing.T) {
	t.Parallel()

	disc := collector.Discriminator{Attr: "alt", Value: "SkyCam Image"}
	tests := []struct {
		name   string
		page   string
		marker string
		want   string
	}{
		{
			name: "discriminator beats earlier marker match",
			page: `<img src="/snap_old.jpg"><img alt="SkyCam Image" src="/live.jpg">`,
			want: "/live.jpg", marker: "snap",
		},
		{
			name: "discriminator without src falls through to marker",
			page: `<img alt="SkyCam Image"><img src="/snap.jpg">`,
			want: "/snap.jpg", marker: "snap",
		},
		{
			name: "marker on source element",
			page: `<picture><source src="/cams/snapshot.webp"></picture>`,
			want: "/cams/snapshot.webp", marker: "snap",
		},
		{
			name: "marker on embed element",
			page: `<embed src="/snap.gif">`,
			want: "/snap.gif", marker: "snap",
		},
		{
			name: "no marker configured",
			page: `<img src="/snap.jpg">`,
			want: "", marker: "",
		},
		{
			// Known false positive: a decorative image whose name carries the
			// marker is returned ahead of the real camera frame.
			name: "decorative image matches marker",
			page: `<img src="/theme/snapdragon-banner.png"><img src="/cam/latest.jpg">`,
			want: "/theme/snapdragon-banner.png", marker: "snap",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := FindImageRef([]byte(tt.page), disc, tt.marker)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAbsolutize(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://weather.example.com/stations/42/")
	require.NoError(t, err)

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "cam.jpg", want: "https://weather.example.com/stations/42/cam.jpg"},
		{ref: "/img/cam.jpg", want: "https://weather.example.com/img/cam.jpg"},
		{ref: "//cdn.example.com/cam.jpg", want: "https://cdn.example.com/cam.jpg"},
		{ref: "http://other.example/cam.jpg", want: "http://other.example/cam.jpg"},
		{ref: "data:image/png;base64,AAAA", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Absolutize(base, tt.ref)
		if tt.wantErr {
			assert.Error(t, err, tt.ref)
			continue
		}
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got)
	}
}

type fakeFetcher struct {
	resp  collector.FetchResponse
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, collector.FetchRequest) (collector.FetchResponse, error) {
	f.calls++
	return f.resp, f.err
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/suite"

	"pfexchange/internal/family/models"
)

const registryURL = "https://registry.test/api/v1/family"

const successBody = `{
	"result_code": "1",
	"result_message": "OK",
	"id": "42",
	"items": [{
		"pnfl": "50101226540012",
		"surname": "KARIMOVA",
		"name": "MALIKA",
		"patronym": "ALISHER QIZI",
		"birth_date": "10.02.2022",
		"gender_code": 2,
		"doc_num": "123",
		"doc_date": "15.02.2022",
		"branch": "1726",
		"cert_series": "I-TN",
		"cert_number": "0012345",
		"cert_birth_date": "XX.XX.2022",
		"m_pnfl": "41503880010015",
		"m_family": "KARIMOVA",
		"m_first_name": "DILNOZA",
		"m_patronym": "RUSTAMOVNA",
		"m_birth_day": "15.03.1988",
		"f_pnfl": "",
		"f_birth_day": null,
		"live_status": "1"
	}]
}`

type ClientSuite struct {
	suite.Suite
	mock   *httpmock.MockTransport
	client *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.mock = httpmock.NewMockTransport()
	client, err := NewClient(registryURL, time.Second,
		WithTransport(s.mock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.client = client
}

func (s *ClientSuite) TestLookupFamily_Success() {
	var captured Request
	s.mock.RegisterResponder(http.MethodPost, registryURL, func(req *http.Request) (*http.Response, error) {
		s.Require().NoError(json.NewDecoder(req.Body).Decode(&captured))
		return httpmock.NewStringResponse(http.StatusOK, successBody), nil
	})

	res, err := s.client.LookupFamily(context.Background(), 42, "41503880010015", "20201210")
	s.Require().NoError(err)

	s.Equal(Request{ID: "42", PNFL: "41503880010015", TIN: "20201210"}, captured)
	s.True(res.Succeeded())
	s.Equal(successBody, res.Raw)

	children := res.Children(42)
	s.Require().Len(children, 1)
	child := children[0]
	s.Equal(int64(42), child.RecordID)
	s.Equal("50101226540012", child.NationalID)
	s.Equal(2, child.Gender)
	s.Equal(int64(1726), child.RegistryBranchID)
	s.Require().NotNil(child.BirthDate)
	s.Equal(models.Date(2022, 2, 10), *child.BirthDate)
	s.Require().NotNil(child.CertificateDate)
	s.Equal(models.Date(2022, 1, 1), *child.CertificateDate)
	s.Nil(child.FatherBirthDate)
	s.True(child.BornTo("41503880010015"))
	s.Equal("1", child.IsAlive)
}

func (s *ClientSuite) TestLookupFamily_NonSuccessResultCode() {
	s.mock.RegisterResponder(http.MethodPost, registryURL,
		httpmock.NewStringResponder(http.StatusOK, `{"result_code":"0","result_message":"person not found","items":[]}`))

	res, err := s.client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
	s.Require().NoError(err)
	s.False(res.Succeeded())
	s.Equal("person not found", res.ResultMessage)
}

func (s *ClientSuite) TestLookupFamily_StatusClassification() {
	cases := []struct {
		name      string
		status    int
		category  Category
		retryable bool
	}{
		{"429 is rate limited", http.StatusTooManyRequests, CategoryRateLimited, true},
		{"400 is client error", http.StatusBadRequest, CategoryClientError, false},
		{"404 is client error", http.StatusNotFound, CategoryClientError, false},
		{"500 is server error", http.StatusInternalServerError, CategoryServerError, false},
		{"503 is server error", http.StatusServiceUnavailable, CategoryServerError, false},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.mock.Reset()
			s.mock.RegisterResponder(http.MethodPost, registryURL, httpmock.NewStringResponder(tc.status, "nope"))

			_, err := s.client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
			s.Require().Error(err)

			var regErr *Error
			s.Require().ErrorAs(err, &regErr)
			s.Equal(tc.category, regErr.Category)
			s.Equal(tc.status, regErr.StatusCode)
			s.Equal(tc.retryable, regErr.Retryable())
			s.Equal(tc.retryable, IsRetryable(err))
		})
	}
}

func (s *ClientSuite) TestLookupFamily_BadBody() {
	s.mock.RegisterResponder(http.MethodPost, registryURL, httpmock.NewStringResponder(http.StatusOK, "<html>gateway</html>"))

	_, err := s.client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
	category, ok := CategoryOf(err)
	s.Require().True(ok)
	s.Equal(CategoryBadData, category)
	s.False(IsRetryable(err))
}

func (s *ClientSuite) TestLookupFamily_BadDate() {
	s.mock.RegisterResponder(http.MethodPost, registryURL,
		httpmock.NewStringResponder(http.StatusOK, `{"result_code":"1","items":[{"birth_date":"2022-02-10"}]}`))

	_, err := s.client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
	category, ok := CategoryOf(err)
	s.Require().True(ok)
	s.Equal(CategoryBadData, category)
}

func (s *ClientSuite) TestLookupFamily_ConnectionRefused() {
	s.mock.RegisterResponder(http.MethodPost, registryURL, httpmock.NewErrorResponder(syscall.ECONNREFUSED))

	_, err := s.client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
	category, ok := CategoryOf(err)
	s.Require().True(ok)
	s.Equal(CategoryTimeout, category)
	s.True(IsRetryable(err))
}

func (s *ClientSuite) TestLookupFamily_OtherTransportFailure() {
	s.mock.RegisterResponder(http.MethodPost, registryURL, httpmock.NewErrorResponder(errors.New("tls: handshake failure")))

	_, err := s.client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
	category, ok := CategoryOf(err)
	s.Require().True(ok)
	s.Equal(CategoryTransport, category)
	s.False(IsRetryable(err))
}

func TestLookupFamily_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := NewClient(srv.URL, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.LookupFamily(context.Background(), 1, "41503880010015", "20201210")
	var regErr *Error
	if !errors.As(err, &regErr) {
		t.Fatalf("expected registry error, got %v", err)
	}
	if regErr.Category != CategoryTimeout {
		t.Fatalf("expected timeout category, got %s", regErr.Category)
	}
	if !regErr.AffectsCircuit() {
		t.Fatalf("timeouts must affect the circuit")
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient("", time.Second); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		raw   string
		want  time.Time
		valid bool
		err   bool
	}{
		{raw: "10.02.2022", want: models.Date(2022, 2, 10), valid: true},
		{raw: "XX.02.2022", want: models.Date(2022, 2, 1), valid: true},
		{raw: "xx.XX.2022", want: models.Date(2022, 1, 1), valid: true},
		{raw: "10.02.XXXX", want: models.Date(1900, 2, 10), valid: true},
		{raw: " 01.01.2000 ", want: models.Date(2000, 1, 1), valid: true},
		{raw: ""},
		{raw: "2022-02-10", err: true},
		{raw: "31.02.2022", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, valid, err := ParseDate(tc.raw)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if valid != tc.valid || !got.Equal(tc.want) {
				t.Fatalf("ParseDate(%q) = %v, %v; want %v, %v", tc.raw, got, valid, tc.want, tc.valid)
			}
		})
	}
}

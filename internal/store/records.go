package store

import "time"

// GetCommand is the crawl_history command name recorded for page fetches.
const GetCommand = "GetCommand"

// Command is one crawl_history row: a command run for a visit, with its
// outcome. Error is nil on success.
type Command struct {
	BrowserID   int64
	VisitID     int64
	Command     string
	Arguments   string
	RetryNumber int
	Error       *string
	Duration    time.Duration
}

// Request is one http_requests row.
type Request struct {
	BrowserID    int64
	VisitID      int64
	URL          string
	TopLevelURL  string
	Method       string
	ResourceType string
	Time         time.Time
}

// Response is one http_responses row.
type Response struct {
	BrowserID int64
	VisitID   int64
	URL       string
	Status    int
	RemoteIP  string
	Time      time.Time
}

// Cookie is one javascript_cookies row.
type Cookie struct {
	BrowserID  int64
	VisitID    int64
	Host       string
	Name       string
	Value      string
	Path       string
	Expiry     float64
	IsSecure   bool
	IsHTTPOnly bool
	SameSite   string
	Time       time.Time
}

// DNSResponse is one dns_responses row.
type DNSResponse struct {
	BrowserID int64
	VisitID   int64
	Hostname  string
	Addresses string
	Time      time.Time
}

package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/meta"
)

const clientTimeout = 30 * time.Second

// ControlClient talks to the control API of a running daemon.
type ControlClient struct {
	url        string
	httpClient *http.Client
}

func NewControlClient(url string) *ControlClient {
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}
	return &ControlClient{
		url: strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

func (c *ControlClient) Ping() error {
	return c.do("GET", "/ping", nil, nil)
}

func (c *ControlClient) GetStatus() (*StatusOutput, error) {
	var resp StatusOutput
	err := c.do("GET", "/v1/status", nil, &resp)
	return &resp, err
}

func (c *ControlClient) GetVersion() (*meta.VersionOutput, error) {
	var resp meta.VersionOutput
	err := c.do("GET", "/v1/version", nil, &resp)
	return &resp, err
}

func (c *ControlClient) RMARead(peer string, address uint64, length uint16) (*RMAOutput, error) {
	var resp RMAOutput
	err := c.do("POST", "/v1/rma/read", &RMAReadInput{
		Peer:    peer,
		Address: address,
		Length:  length,
	}, &resp)
	return &resp, err
}

func (c *ControlClient) RMAWrite(peer string, address uint64, data []byte, noResponse bool) (*RMAOutput, error) {
	var resp RMAOutput
	err := c.do("POST", "/v1/rma/write", &RMAWriteInput{
		Peer:       peer,
		Address:    address,
		Data:       data,
		NoResponse: noResponse,
	}, &resp)
	return &resp, err
}

func (c *ControlClient) RequestOWDM(peer, direction string) (*OWDMOutput, error) {
	var resp OWDMOutput
	err := c.do("POST", "/v1/owdm", &OWDMInput{
		Peer:      peer,
		Direction: direction,
	}, &resp)
	return &resp, err
}

func (c *ControlClient) GetOWDM() (*OWDMOutput, error) {
	var resp OWDMOutput
	err := c.do("GET", "/v1/owdm", nil, &resp)
	return &resp, err
}

func (c *ControlClient) SetOWDMLimit(limit int64) (*OWDMOutput, error) {
	var resp OWDMOutput
	err := c.do("PUT", "/v1/owdm/limit", &OWDMLimitInput{Limit: limit}, &resp)
	return &resp, err
}

func (c *ControlClient) SendTestMessage(peer string) (*TestMessageOutput, error) {
	var resp TestMessageOutput
	err := c.do("POST", "/v1/test-message", &PeerInput{Peer: peer}, &resp)
	return &resp, err
}

func (c *ControlClient) RemoteReset(peer string) (*ResetOutput, error) {
	var resp ResetOutput
	err := c.do("POST", "/v1/reset", &PeerInput{Peer: peer}, &resp)
	return &resp, err
}

func (c *ControlClient) do(method, path string, req, resp interface{}) error {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	url := c.url + path
	logrus.Debugf("%s %s", method, url)
	httpReq, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "failed to reach daemon at %v", c.url)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		var output ErrorOutput
		content, _ := io.ReadAll(httpResp.Body)
		if json.Unmarshal(content, &output) == nil && output.Error != "" {
			return fmt.Errorf("bad response: %d %s: %s", httpResp.StatusCode, http.StatusText(httpResp.StatusCode), output.Error)
		}
		return fmt.Errorf("bad response: %d %s: %s", httpResp.StatusCode, http.StatusText(httpResp.StatusCode), content)
	}

	if resp == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

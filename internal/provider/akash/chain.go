package akash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// chainSession is the signing session against the chain RPC endpoint. One
// session is owned by one Client, created lazily on first use; the sequence
// counter is advanced under the owning Client's lock.
type chainSession struct {
	rpcURL   string
	operator string
	http     *http.Client
	sequence uint64
}

func (s *chainSession) nextSequence() uint64 {
	s.sequence++
	return s.sequence
}

// txResult is the chain's response to a broadcast transaction. A non-zero
// code means the transaction was rejected, not delayed.
type txResult struct {
	Code   int    `json:"code"`
	TxHash string `json:"tx_hash"`
	RawLog string `json:"raw_log"`
}

type bidID struct {
	Owner    string `json:"owner"`
	DSeq     int64  `json:"dseq"`
	GSeq     int32  `json:"gseq"`
	OSeq     int32  `json:"oseq"`
	Provider string `json:"provider"`
}

type bid struct {
	ID    bidID `json:"id"`
	Price struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"price"`
}

// height returns the current chain height, used as the deployment sequence
// number for new deployments.
func (s *chainSession) height(ctx context.Context) (int64, error) {
	var out struct {
		Height int64 `json:"height"`
	}
	if err := s.getJSON(ctx, s.rpcURL+"/status", &out); err != nil {
		return 0, fmt.Errorf("query chain height: %w", err)
	}
	return out.Height, nil
}

// broadcast signs and submits one transaction with a fresh sequence number.
func (s *chainSession) broadcast(ctx context.Context, msgType string, value any, memo string) (*txResult, error) {
	payload, err := json.Marshal(map[string]any{
		"type":     msgType,
		"value":    value,
		"signer":   s.operator,
		"sequence": s.nextSequence(),
		"memo":     memo,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL+"/txs", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", msgType, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broadcast %s: unexpected status %s", msgType, resp.Status)
	}
	var result txResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("broadcast %s: decode response: %w", msgType, err)
	}
	return &result, nil
}

// bids fetches the open bids for one deployment sequence.
func (s *chainSession) bids(ctx context.Context, owner string, dseq int64) ([]bid, error) {
	endpoint := s.rpcURL + "/market/bids?" + url.Values{
		"owner": {owner},
		"dseq":  {strconv.FormatInt(dseq, 10)},
	}.Encode()
	var out struct {
		Bids []bid `json:"bids"`
	}
	if err := s.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("fetch bids: %w", err)
	}
	return out.Bids, nil
}

// providerHost resolves the network host URI for a provider address.
func (s *chainSession) providerHost(ctx context.Context, address string) (string, error) {
	var out struct {
		HostURI string `json:"host_uri"`
	}
	if err := s.getJSON(ctx, s.rpcURL+"/providers/"+url.PathEscape(address), &out); err != nil {
		return "", fmt.Errorf("query provider %s: %w", address, err)
	}
	if out.HostURI == "" {
		return "", fmt.Errorf("provider %s has no host uri", address)
	}
	return out.HostURI, nil
}

func (s *chainSession) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

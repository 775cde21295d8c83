package jobs

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		raw     string
		want    Payload
		wantErr error
	}{
		{
			name:    "sync folder",
			jobType: TypeSyncFolder,
			raw:     `{"account_id":3,"folder":"INBOX","limit":20}`,
			want:    SyncFolderPayload{AccountID: 3, Folder: "INBOX", Limit: 20},
		},
		{
			name:    "campaign batch",
			jobType: TypeSendCampaignBatch,
			raw:     `{"batch_id":9}`,
			want:    SendCampaignBatchPayload{BatchID: 9},
		},
		{
			name:    "purge",
			jobType: TypePurgeJobs,
			raw:     `{"older_than":"48h"}`,
			want:    PurgeJobsPayload{OlderThan: Duration{48 * time.Hour}},
		},
		{name: "missing folder", jobType: TypeSyncFolder, raw: `{"account_id":3}`, wantErr: ErrInvalidPayload},
		{name: "bad json", jobType: TypeSendCampaignBatch, raw: `{"batch_id":"x"}`, wantErr: ErrInvalidPayload},
		{name: "empty", jobType: TypeSendCampaignBatch, raw: ``, wantErr: ErrInvalidPayload},
		{name: "unknown type", jobType: "resize_images", raw: `{}`, wantErr: ErrUnknownType},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.jobType, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeRejectsInvalidPayload(t *testing.T) {
	if _, err := Encode(SendCampaignBatchPayload{}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v", err)
	}
	raw, err := Encode(PurgeJobsPayload{OlderThan: Duration{time.Hour}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(raw) != `{"older_than":"1h0m0s"}` {
		t.Fatalf("raw = %s", raw)
	}
}

package csvimport

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/domain"
)

// fakeS3 serves a fixed set of objects from memory.
type fakeS3 struct {
	objects map[string]string // key -> body
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	// S3 lists keys in lexicographic order; the fake must too.
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var contents []types.Object
	for _, key := range keys {
		contents = append(contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(f.objects[key]))),
		})
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", aws.ToString(in.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func testAdapter(objects map[string]string) *Adapter {
	return NewAdapter(&fakeS3{objects: objects}, config.CSVImportConfig{
		S3Bucket: "uploads",
		S3Prefix: "imports/",
	})
}

func TestFetchPageReadsOneFilePerPage(t *testing.T) {
	adapter := testAdapter(map[string]string{
		"imports/2026-01-a.csv": "email,first_name,last_name,tags\n" +
			"buyer@example.com,Ada,Lovelace,vip;webinar\n" +
			"lead@example.com,Grace,Hopper,\n",
		"imports/2026-02-b.csv": "email\nlater@example.com\n",
		"imports/notes.txt":     "not a csv",
		"imports/empty.csv":     "",
	})

	if adapter.Source() != domain.SourceCSVImport {
		t.Errorf("Unexpected source %s", adapter.Source())
	}

	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 2 {
		t.Fatalf("Expected 2 contacts from first file, got %d", len(page.Contacts))
	}

	first := page.Contacts[0]
	if first.ExternalID != "imports/2026-01-a.csv:2" {
		t.Errorf("Expected key:line external ID, got %s", first.ExternalID)
	}
	if first.Email != "buyer@example.com" {
		t.Errorf("Unexpected email %s", first.Email)
	}
	if first.FullName != "Ada Lovelace" {
		t.Errorf("Expected joined name, got %q", first.FullName)
	}
	if len(first.Tags) != 2 || first.Tags[0] != "vip" || first.Tags[1] != "webinar" {
		t.Errorf("Expected split tags, got %v", first.Tags)
	}
	if first.Payload["email"] != "buyer@example.com" {
		t.Errorf("Expected payload to keep raw columns, got %v", first.Payload)
	}

	if !page.HasMore {
		t.Error("Expected HasMore with a second CSV pending")
	}
	if page.Next.Cursor != "imports/2026-01-a.csv" {
		t.Errorf("Expected cursor to record completed key, got %s", page.Next.Cursor)
	}
}

func TestFetchPageResumesAfterCursor(t *testing.T) {
	adapter := testAdapter(map[string]string{
		"imports/2026-01-a.csv": "email\nfirst@example.com\n",
		"imports/2026-02-b.csv": "email\nsecond@example.com\n",
	})

	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{Cursor: "imports/2026-01-a.csv"})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 1 || page.Contacts[0].Email != "second@example.com" {
		t.Fatalf("Expected the second file only, got %+v", page.Contacts)
	}
	if page.HasMore {
		t.Error("Expected final file")
	}
	if page.Next.Cursor != "imports/2026-02-b.csv" {
		t.Errorf("Expected cursor to advance, got %s", page.Next.Cursor)
	}
}

func TestFetchPageNothingNew(t *testing.T) {
	adapter := testAdapter(map[string]string{
		"imports/2026-01-a.csv": "email\nfirst@example.com\n",
	})

	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{Cursor: "imports/2026-01-a.csv"})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 0 || page.HasMore {
		t.Errorf("Expected empty terminal page, got %+v", page)
	}
}

func TestFetchPageStripsBOMAndSkipsBlankIdentity(t *testing.T) {
	adapter := testAdapter(map[string]string{
		"imports/a.csv": "\xEF\xBB\xBFEmail Address,Phone Number\n" +
			"bom@example.com,\n" +
			",\n" + // no identity at all
			",+1 555 010 0003\n",
	})

	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 2 {
		t.Fatalf("Expected 2 contacts (blank row skipped), got %d", len(page.Contacts))
	}
	if page.Contacts[0].Email != "bom@example.com" {
		t.Errorf("BOM header should still map the email column, got %q", page.Contacts[0].Email)
	}
	if page.Contacts[1].Phone != "+1 555 010 0003" {
		t.Errorf("Expected phone-only contact, got %q", page.Contacts[1].Phone)
	}
}

func TestFetchPageRejectsUnmappableHeader(t *testing.T) {
	adapter := testAdapter(map[string]string{
		"imports/bad.csv": "foo,bar\n1,2\n",
	})

	if _, err := adapter.FetchPage(context.Background(), domain.Checkpoint{}); err == nil {
		t.Fatal("Expected error for header without email or phone column")
	}
}

func TestMapColumnsSpellings(t *testing.T) {
	cols := mapColumns([]string{"E-Mail", "Phone_Number", "Full Name", "OPT_IN_SMS"})
	if cols.email != 0 {
		t.Errorf("Expected E-Mail to map to email, got %d", cols.email)
	}
	if cols.phone != 1 {
		t.Errorf("Expected Phone_Number to map to phone, got %d", cols.phone)
	}
	if cols.fullName != 2 {
		t.Errorf("Expected Full Name to map to fullName, got %d", cols.fullName)
	}
	if cols.optSMS != 3 {
		t.Errorf("Expected OPT_IN_SMS to map to optSMS, got %d", cols.optSMS)
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "Yes", "y", "TRUE"} {
		if !truthy(v) {
			t.Errorf("Expected %q to be truthy", v)
		}
	}
	for _, v := range []string{"", "0", "no", "false"} {
		if truthy(v) {
			t.Errorf("Expected %q to be falsy", v)
		}
	}
}

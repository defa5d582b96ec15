// Package csvimport adapts manually uploaded contact CSVs into the sync
// pipeline. Uploads land in an S3 bucket; each object is one page. Keys
// are consumed in lexicographic order (S3 list order), and the
// checkpoint cursor records the last key completed, so a re-invoked run
// picks up at the next file.
package csvimport

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/provider"
)

// S3API is the slice of the S3 client the adapter uses. *s3.Client
// satisfies it; tests substitute a fake.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the import config, honoring the
// profile override rules (IAM role on ECS, named profile locally).
func NewS3Client(ctx context.Context, cfg config.CSVImportConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Adapter treats one uploaded CSV object as one page.
type Adapter struct {
	client S3API
	bucket string
	prefix string
}

// NewAdapter creates a CSV import adapter over the given object store.
func NewAdapter(client S3API, cfg config.CSVImportConfig) *Adapter {
	return &Adapter{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}
}

func (a *Adapter) Source() domain.Source { return domain.SourceCSVImport }

func (a *Adapter) FetchPage(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	keys, err := a.listCSVKeys(ctx)
	if err != nil {
		return provider.Page{}, err
	}

	// Skip everything at or before the checkpoint cursor.
	var remaining []string
	for _, k := range keys {
		if cp.Cursor == "" || k > cp.Cursor {
			remaining = append(remaining, k)
		}
	}
	if len(remaining) == 0 {
		return provider.Page{}, nil
	}

	key := remaining[0]
	contacts, err := a.readCSV(ctx, key)
	if err != nil {
		return provider.Page{}, fmt.Errorf("read %s: %w", key, err)
	}

	page := provider.Page{
		Contacts: contacts,
		HasMore:  len(remaining) > 1,
	}
	page.Next = domain.Checkpoint{Cursor: key}
	return page, nil
}

func (a *Adapter) listCSVKeys(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if obj.Size == nil || *obj.Size == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(key), ".csv") {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (a *Adapter) readCSV(ctx context.Context, key string) ([]provider.RawContact, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get S3 object: %w", err)
	}
	defer out.Body.Close()

	reader := csv.NewReader(stripBOM(bufio.NewReaderSize(out.Body, 256*1024)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := mapColumns(header)
	if cols.email < 0 && cols.phone < 0 {
		return nil, fmt.Errorf("no email or phone column detected in header: %v", header)
	}

	var contacts []provider.RawContact
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			log.Printf("[csvimport] %s line %d: %v", key, line, err)
			continue
		}

		c := cols.extract(row)
		if c.Email == "" && c.Phone == "" {
			continue
		}
		// External ID is the file key plus line number: stable across
		// re-imports of the same upload, unique across uploads.
		c.ExternalID = fmt.Sprintf("%s:%d", key, line)
		c.Payload = rowPayload(header, row)
		contacts = append(contacts, c)
	}
	return contacts, nil
}

func rowPayload(header, row []string) map[string]any {
	payload := make(map[string]any, len(header))
	for i, h := range header {
		if i < len(row) {
			payload[strings.TrimSpace(h)] = row[i]
		}
	}
	return payload
}

// stripBOM removes a UTF-8 byte order mark, which Excel exports love to
// prepend.
func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	head, err := br.Peek(3)
	if err == nil && len(head) == 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF {
		br.Discard(3)
	}
	return br
}

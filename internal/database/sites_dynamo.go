package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client used by SiteOperations
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// SiteOperations handles all DynamoDB operations for sites
type SiteOperations struct {
	api       DynamoAPI
	tableName string
}

// NewSiteOperations creates a DynamoDB-backed site store
func NewSiteOperations(client *Client) *SiteOperations {
	return &SiteOperations{
		api:       client.DynamoDB,
		tableName: client.TableName,
	}
}

// NewSiteOperationsWithAPI creates a site store on top of any DynamoAPI implementation
func NewSiteOperationsWithAPI(api DynamoAPI, tableName string) *SiteOperations {
	return &SiteOperations{api: api, tableName: tableName}
}

// siteItem is the stored shape of a site; attribute names follow the sites.json field names
type siteItem struct {
	ID             string                         `dynamodbav:"id"`
	Name           string                         `dynamodbav:"name"`
	Repo           string                         `dynamodbav:"repo"`
	DomainName     string                         `dynamodbav:"domain_name"`
	Port           int                            `dynamodbav:"port"`
	Status         string                         `dynamodbav:"status"`
	ProjectDir     string                         `dynamodbav:"project_dir"`
	DomainStatus   bool                           `dynamodbav:"domain_status"`
	DomainProvider string                         `dynamodbav:"domain_provider"`
	IPURL          string                         `dynamodbav:"IP_URL"`
	IPLiveStatus   bool                           `dynamodbav:"IP_live_status"`
	Message        string                         `dynamodbav:"message,omitempty"`
	Stages         map[string]*models.StageStatus `dynamodbav:"stages,omitempty"`
	Logs           []models.LogEntry              `dynamodbav:"logs,omitempty"`
	CreatedAt      int64                          `dynamodbav:"created_at"`
	UpdatedAt      int64                          `dynamodbav:"updated_at"`
}

func toItem(site *models.Site) siteItem {
	return siteItem{
		ID:             site.ID,
		Name:           site.Name,
		Repo:           site.Repo,
		DomainName:     site.DomainName,
		Port:           site.Port,
		Status:         string(site.Status),
		ProjectDir:     site.ProjectDir,
		DomainStatus:   site.DomainStatus,
		DomainProvider: string(site.DomainProvider),
		IPURL:          site.IPURL,
		IPLiveStatus:   site.IPLiveStatus,
		Message:        site.Message,
		Stages:         site.Stages,
		Logs:           site.Logs,
		CreatedAt:      site.CreatedAt.UnixMicro(),
		UpdatedAt:      site.UpdatedAt.UnixMicro(),
	}
}

func (it siteItem) toSite() *models.Site {
	return &models.Site{
		ID:             it.ID,
		Name:           it.Name,
		Repo:           it.Repo,
		DomainName:     it.DomainName,
		Port:           it.Port,
		Status:         models.SiteStatus(it.Status),
		ProjectDir:     it.ProjectDir,
		DomainStatus:   it.DomainStatus,
		DomainProvider: models.DomainProvider(it.DomainProvider),
		IPURL:          it.IPURL,
		IPLiveStatus:   it.IPLiveStatus,
		Message:        it.Message,
		Stages:         it.Stages,
		Logs:           it.Logs,
		CreatedAt:      time.UnixMicro(it.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMicro(it.UpdatedAt).UTC(),
	}
}

func (so *SiteOperations) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// CreateSite stores a new site, failing if the id is taken
func (so *SiteOperations) CreateSite(ctx context.Context, site *models.Site) error {
	return so.put(ctx, site, "attribute_not_exists(id)", ErrAlreadyExists)
}

// PutSite overwrites an existing site, failing if it does not exist
func (so *SiteOperations) PutSite(ctx context.Context, site *models.Site) error {
	return so.put(ctx, site, "attribute_exists(id)", ErrNotFound)
}

func (so *SiteOperations) put(ctx context.Context, site *models.Site, condition string, conflict error) error {
	av, err := attributevalue.MarshalMap(toItem(site))
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}

	_, err = so.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(so.tableName),
		Item:                av,
		ConditionExpression: aws.String(condition),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return conflict
		}
		logger.WithFields(map[string]interface{}{
			"site_id": site.ID,
			"error":   err.Error(),
		}).Error("Failed to write site to DynamoDB")
		return fmt.Errorf("failed to put site: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"site_id": site.ID,
		"status":  site.Status,
	}).Debug("Site written to DynamoDB")
	return nil
}

// GetSite retrieves a site by id
func (so *SiteOperations) GetSite(ctx context.Context, id string) (*models.Site, error) {
	result, err := so.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(so.tableName),
		Key:            so.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrNotFound
	}

	var it siteItem
	if err := attributevalue.UnmarshalMap(result.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal site: %w", err)
	}
	return it.toSite(), nil
}

// ListSites scans the whole table
func (so *SiteOperations) ListSites(ctx context.Context) ([]*models.Site, error) {
	paginator := dynamodb.NewScanPaginator(so.api, &dynamodb.ScanInput{
		TableName:      aws.String(so.tableName),
		ConsistentRead: aws.Bool(true),
	})

	sites := make([]*models.Site, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sites: %w", err)
		}
		for _, item := range page.Items {
			var it siteItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("failed to unmarshal site: %w", err)
			}
			sites = append(sites, it.toSite())
		}
	}
	return sites, nil
}

// DeleteSite removes a site by id
func (so *SiteOperations) DeleteSite(ctx context.Context, id string) error {
	_, err := so.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(so.tableName),
		Key:                 so.key(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete site: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing
func (so *SiteOperations) Close() error {
	return nil
}

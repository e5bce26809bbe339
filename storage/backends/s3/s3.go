package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	config storage.Configuration

	minioClient *minio.Client
	bucketName  string
}

func init() {
	storage.Register("s3", NewStore)
}

func NewStore() storage.Backend {
	return &Store{}
}

func (s *Store) connect(location *url.URL) error {
	endpoint := location.Host
	accessKeyID := location.User.Username()
	secretAccessKey, _ := location.User.Password()
	useSSL := location.Query().Get("secure") != "false"

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return err
	}

	s.minioClient = minioClient
	s.bucketName = strings.TrimPrefix(location.Path, "/")
	return nil
}

func (s *Store) Create(location string, config storage.Configuration) error {
	parsed, err := url.Parse(location)
	if err != nil {
		return err
	}
	if err := s.connect(parsed); err != nil {
		return err
	}

	exists, err := s.minioClient.BucketExists(context.Background(), s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		err = s.minioClient.MakeBucket(context.Background(), s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return err
		}
	}

	serialized, err := config.Serialize()
	if err != nil {
		return err
	}
	_, err = s.minioClient.PutObject(context.Background(), s.bucketName, "CONFIG",
		bytes.NewReader(serialized), int64(len(serialized)), minio.PutObjectOptions{})
	if err != nil {
		return err
	}

	s.config = config
	return nil
}

func (s *Store) Open(location string) error {
	parsed, err := url.Parse(location)
	if err != nil {
		return err
	}
	if err := s.connect(parsed); err != nil {
		return err
	}

	obj, err := s.minioClient.GetObject(context.Background(), s.bucketName, "CONFIG",
		minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	serialized, err := io.ReadAll(obj)
	if err != nil {
		return err
	}
	config, err := storage.NewConfigurationFromBytes(serialized)
	if err != nil {
		return err
	}

	s.config = config
	return nil
}

func (s *Store) Configuration() storage.Configuration {
	return s.config
}

func objectName(oid objects.ObjectID) string {
	return fmt.Sprintf("objects/%02x/%s", oid[0], oid)
}

func (s *Store) PutObject(oid objects.ObjectID, data []byte) error {
	_, err := s.minioClient.PutObject(context.Background(), s.bucketName, objectName(oid),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *Store) GetObject(oid objects.ObjectID) ([]byte, error) {
	obj, err := s.minioClient.GetObject(context.Background(), s.bucketName, objectName(oid),
		minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

func (s *Store) ListObjects() ([]objects.ObjectID, error) {
	ret := make([]objects.ObjectID, 0)
	for object := range s.minioClient.ListObjects(context.Background(), s.bucketName,
		minio.ListObjectsOptions{Prefix: "objects/", Recursive: true}) {
		if object.Err != nil {
			return nil, object.Err
		}
		atoms := strings.Split(object.Key, "/")
		oid, err := objects.ParseObjectID(atoms[len(atoms)-1])
		if err != nil {
			continue
		}
		ret = append(ret, oid)
	}
	return ret, nil
}

func (s *Store) Close() error {
	return nil
}

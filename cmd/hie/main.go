package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/secretsmanager"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/adapter"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/adapter/awslambda"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/adapter/httpserver"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/config"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/directory"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/fhirstore"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/handler"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/search"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/store"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/transport"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xca"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xmlsig"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

func main() {
	logger.Infoln("starting hie gateway...")

	sess := session.Must(session.NewSession())

	cfg, err := config.Load(secretsmanager.New(sess))
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	store.InitProvider()

	h, err := wire(cfg, sess)
	if err != nil {
		panic(fmt.Sprintf("failed to wire components: %v", err))
	}

	var a adapter.Adapter
	if adapter.IsLambda() {
		a = awslambda.NewAdapter(h)
	} else {
		a = httpserver.NewAdapter(h)
	}
	a.Start()
}

func wire(cfg *config.Config, sess *session.Session) (*handler.Handler, error) {
	ctx := context.Background()

	db, err := fhirstore.Connect(ctx, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)
	if err != nil {
		return nil, err
	}

	signer, err := xmlsig.NewSignerFromPEM(cfg.CertPEM, cfg.KeyPEM)
	if err != nil {
		return nil, err
	}
	samlBuilder := saml.NewBuilder(signer)
	codec := soapenv.NewCodec(signer)

	httpClient, err := transport.NewClient(cfg.CertPEM, cfg.KeyPEM, cfg.TrustPEM)
	if err != nil {
		return nil, err
	}

	xcpdInit := xcpd.NewInitiator(codec, samlBuilder, httpClient, cfg.HCID)
	queryInit := xca.NewQueryInitiator(codec, samlBuilder, httpClient)
	retrieveInit := xca.NewRetrieveInitiator(codec, samlBuilder, httpClient)

	resolver := directory.NewResolver(db, cfg.DirectoryTable)
	sink := fhirstore.NewNotesSink(db, cfg.NotesTable)
	searcher := search.NewSearcher(xcpdInit, queryInit, retrieveInit, resolver, sink)

	return &handler.Handler{
		XCPDResponder:     xcpd.NewResponder(db, cfg.HCID, cfg.LocalURL, cfg.PossibleURLs),
		QueryResponder:    xca.NewQueryResponder(db, cfg.HCID, cfg.PossibleURLs, cfg.DocumentTables),
		RetrieveResponder: xca.NewRetrieveResponder(db, cfg.HCID, cfg.PossibleURLs, cfg.DocumentTables),
		XCPDInitiator:     xcpdInit,
		QueryInitiator:    queryInit,
		RetrieveInitiator: retrieveInit,
		Searcher:          searcher,
		Resolver:          resolver,
		Ingestor:          directory.NewIngestor(db, cfg.DirectoryTable, s3.New(sess), cfg.SnapshotBucket, cfg.SnapshotKey),
		Geocoder:          directory.NewNominatimGeocoder(),
		DefaultUQ: saml.UserQualifications{
			SubjectName:  cfg.UQSubject,
			Organization: cfg.UQOrganization,
			NPI:          cfg.UQNPI,
			OrgHCID:      cfg.HCID,
			UserID:       cfg.UQUserID,
		},
	}, nil
}

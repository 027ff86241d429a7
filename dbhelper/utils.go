package dbhelper

import (
	"log"

	"vfitapi/models"

	"gorm.io/gorm"
)

func SetupCleaner(db *gorm.DB) func() {

	return func() {

		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TryOnGeneration{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GeneratedPair{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GeneratedIdentity{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.CatalogImage{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Store{})

	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %s", model)
		log.Fatal(err)
	}
}
